package application

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// commitBackOff 是提交重试的退避策略: base * 2^(n-1)，不超过 max，不加抖动，
// 总共最多执行 maxAttempts 次。ctx 结束时立即停止等待。
func commitBackOff(ctx context.Context, base, max time.Duration, maxAttempts int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.MaxInterval = max
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	retries := maxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(backoff.WithContext(exp, ctx), uint64(retries))
}
