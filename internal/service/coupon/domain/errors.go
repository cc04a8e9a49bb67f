// internal/service/coupon/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfStock        = errors.New("coupon is out of stock")
	ErrAlreadyClaimed    = errors.New("coupon already claimed by this user")
	ErrCouponUnavailable = errors.New("coupon is not available")
	ErrCouponNotFound    = fmt.Errorf("%w: coupon not found", ErrCouponUnavailable)
	ErrNotEligible       = fmt.Errorf("%w: user is not eligible", ErrCouponUnavailable)
	ErrGateUnavailable   = errors.New("stock gate unavailable, retry with the same request id")
	ErrEnqueueFailed     = errors.New("failed to enqueue issuance, retry with the same request id")
	ErrCommitFailed      = errors.New("failed to commit issuance record")
	ErrStockExceeded     = errors.New("committed records would exceed total stock")
	ErrInvalidEvent      = errors.New("invalid issuance event")
	ErrInvalidCoupon     = errors.New("invalid coupon definition")
	ErrInvalidClaim      = errors.New("invalid claim attempt")
)

// ClaimError 携带用户已有的预留，errors.Is(err, ErrAlreadyClaimed) 成立
type ClaimError struct {
	Err         error
	Reservation *Reservation
	Replayed    bool // 与已有预留的 requestId 相同
}

func (e *ClaimError) Error() string {
	if e.Reservation == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("coupon %d user %d: %v (seq=%d)", e.Reservation.CouponID, e.Reservation.UserID, e.Err, e.Reservation.SequenceNumber)
}

func (e *ClaimError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 把 err 标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否不应再重试
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrStockExceeded) || errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrCouponNotFound)
}

// CommitError 表示重试耗尽或遇到永久错误，errors.Is(err, ErrCommitFailed) 成立
type CommitError struct {
	Tries int
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%v after %d attempt(s): %v", ErrCommitFailed, e.Tries, e.Err)
}

func (e *CommitError) Unwrap() []error { return []error{ErrCommitFailed, e.Err} }

// Attempts 供死信处理器写入 x-attempts 头
func (e *CommitError) Attempts() int { return e.Tries }
