// Package export hands query output to downstream consumers. It defines no
// file format; sinks decide how results, edges and risk scores are kept.
package export

import (
	"context"
	"slices"
	"sync"

	"github.com/casetrace/backend/pkg/common"
)

type Sink interface {
	WriteResults(ctx context.Context, results []common.CitedResult) error
	WriteEdges(ctx context.Context, edges []common.Edge) error
	WriteRiskScores(ctx context.Context, scores []common.RiskScore) error
}

// Bundle is one export: the cited results of a query together with the
// graph and risk context returned alongside them.
type Bundle struct {
	Results []common.CitedResult `json:"results"`
	Edges   []common.Edge        `json:"edges,omitempty"`
	Risk    []common.RiskScore   `json:"risk,omitempty"`
}

// Write sends every non-empty part of b to sink, results first.
func Write(ctx context.Context, sink Sink, b Bundle) error {
	if len(b.Results) > 0 {
		if err := sink.WriteResults(ctx, b.Results); err != nil {
			return err
		}
	}
	if len(b.Edges) > 0 {
		if err := sink.WriteEdges(ctx, b.Edges); err != nil {
			return err
		}
	}
	if len(b.Risk) > 0 {
		if err := sink.WriteRiskScores(ctx, b.Risk); err != nil {
			return err
		}
	}
	return nil
}

// Collect is an in-memory Sink. It is safe for concurrent writers.
type Collect struct {
	mu     sync.Mutex
	bundle Bundle
}

func NewCollect() *Collect {
	return &Collect{}
}

func (c *Collect) WriteResults(ctx context.Context, results []common.CitedResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.bundle.Results = append(c.bundle.Results, results...)
	c.mu.Unlock()
	return nil
}

func (c *Collect) WriteEdges(ctx context.Context, edges []common.Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.bundle.Edges = append(c.bundle.Edges, edges...)
	c.mu.Unlock()
	return nil
}

func (c *Collect) WriteRiskScores(ctx context.Context, scores []common.RiskScore) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.bundle.Risk = append(c.bundle.Risk, scores...)
	c.mu.Unlock()
	return nil
}

// Bundle returns a copy of everything written so far.
func (c *Collect) Bundle() Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Bundle{
		Results: slices.Clone(c.bundle.Results),
		Edges:   slices.Clone(c.bundle.Edges),
		Risk:    slices.Clone(c.bundle.Risk),
	}
}
