package ai

import (
	"context"
	"errors"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type GeneratorEntry struct {
	Name      string
	Generator IGenerator
}

type groupGenerator struct {
	items []GeneratorEntry
}

// NewGroupGenerator tries generators in order and returns the first success.
func NewGroupGenerator(items []GeneratorEntry) IGenerator {
	if len(items) == 0 {
		return nil
	}
	return &groupGenerator{items: items}
}

func (g *groupGenerator) Available() bool {
	for _, item := range g.items {
		if item.Generator != nil && item.Generator.Available() {
			return true
		}
	}
	return false
}

func (g *groupGenerator) Generate(ctx context.Context, req ChatRequest) (string, error) {
	var lastErr error
	for i, item := range g.items {
		if item.Generator == nil || !item.Generator.Available() {
			continue
		}
		res, err := item.Generator.Generate(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn("generator failed", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			break
		}
	}
	if lastErr == nil {
		return "", ErrUnavailable
	}
	return "", lastErr
}
