package application

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"golang.org/x/sync/singleflight"

	"couponhub/internal/service/coupon/domain"
)

// RuleSource 提供券的准入规则，实现方必须是快速存储，不能是数据库
type RuleSource interface {
	Rule(ctx context.Context, couponID int64) (rule string, exists bool, err error)
}

// EligibilityEvaluator 用 CEL 表达式判断用户能否领取某张券。
// 可用变量: coupon_id, user_id, request_id, now。
type EligibilityEvaluator struct {
	env   *cel.Env
	rules RuleSource

	mu       sync.RWMutex
	programs map[int64]cel.Program // nil 表示该券没有规则
	loads    singleflight.Group
}

func NewEligibilityEvaluator(rules RuleSource) (*EligibilityEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("coupon_id", cel.IntType),
		cel.Variable("user_id", cel.IntType),
		cel.Variable("request_id", cel.StringType),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cel env: %w", err)
	}
	return &EligibilityEvaluator{
		env:      env,
		rules:    rules,
		programs: make(map[int64]cel.Program),
	}, nil
}

// Compile 编译并检查表达式的返回类型必须是 bool
func (e *EligibilityEvaluator) Compile(rule string) (cel.Program, error) {
	ast, iss := e.env.Compile(rule)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: rule: %v", domain.ErrInvalidCoupon, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: rule must evaluate to bool, got %s", domain.ErrInvalidCoupon, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: rule: %v", domain.ErrInvalidCoupon, err)
	}
	return prg, nil
}

// Check 没有规则或规则通过时返回 nil，不通过时返回 ErrNotEligible
func (e *EligibilityEvaluator) Check(ctx context.Context, attempt domain.ClaimAttempt, now time.Time) error {
	prg, err := e.program(ctx, attempt.CouponID)
	if err != nil || prg == nil {
		return err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"coupon_id":  attempt.CouponID,
		"user_id":    attempt.UserID,
		"request_id": attempt.RequestID,
		"now":        now.UTC(),
	})
	if err != nil {
		// 运行时错误 (例如除零) 视为不满足
		return fmt.Errorf("%w: %v", domain.ErrNotEligible, err)
	}
	if ok, _ := out.Value().(bool); !ok {
		return domain.ErrNotEligible
	}
	return nil
}

// 规则创建后不可变，编译结果按券缓存。
// 快速存储里没有的券不缓存也不拦截，交给原子脚本返回 unknown。
func (e *EligibilityEvaluator) program(ctx context.Context, couponID int64) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[couponID]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	v, err, _ := e.loads.Do(strconv.FormatInt(couponID, 10), func() (interface{}, error) {
		rule, exists, err := e.rules.Rule(ctx, couponID)
		if err != nil || !exists {
			return nil, err
		}
		var prg cel.Program
		if rule != "" {
			if prg, err = e.Compile(rule); err != nil {
				return nil, err
			}
		}
		e.mu.Lock()
		e.programs[couponID] = prg
		e.mu.Unlock()
		return prg, nil
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.(cel.Program), nil
}

// Validate 实现 RuleValidator
func (e *EligibilityEvaluator) Validate(rule string) error {
	_, err := e.Compile(rule)
	return err
}
