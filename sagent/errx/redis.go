package errx

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

// WrapRedis classifies a go-redis error: a missing key is terminal, anything
// else (network, timeouts, cluster moves) is transient.
func WrapRedis(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return Terminal(op, err)
	}
	if k := KindOf(err); k == KindCanceled {
		return err
	}
	return Transient(op, err)
}
