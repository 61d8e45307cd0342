package runtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func asSpawnError(err error, target **SpawnError) bool {
	return errors.As(err, target)
}
