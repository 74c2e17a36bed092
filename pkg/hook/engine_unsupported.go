// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !(linux && amd64)

package hook

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

func startSession(ctx context.Context, opts Options, r runner, logger *zap.Logger) (session, *Interceptor, error) {
	return nil, nil, fmt.Errorf("%s/%s: %w", runtime.GOOS, runtime.GOARCH, ErrUnsupported)
}
