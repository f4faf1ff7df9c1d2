package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/casetrace/backend/pkg/common"
)

// jsonLinesSink writes one tagged JSON object per line.
type jsonLinesSink struct {
	enc *json.Encoder
}

type jsonLine struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

func newJSONLinesSink(w io.Writer) *jsonLinesSink {
	return &jsonLinesSink{enc: json.NewEncoder(w)}
}

func (s *jsonLinesSink) write(ctx context.Context, kind string, n int, item func(int) any) error {
	for i := range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.enc.Encode(jsonLine{Kind: kind, Data: item(i)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *jsonLinesSink) WriteResults(ctx context.Context, results []common.CitedResult) error {
	return s.write(ctx, "result", len(results), func(i int) any { return results[i] })
}

func (s *jsonLinesSink) WriteEdges(ctx context.Context, edges []common.Edge) error {
	return s.write(ctx, "edge", len(edges), func(i int) any { return edges[i] })
}

func (s *jsonLinesSink) WriteRiskScores(ctx context.Context, scores []common.RiskScore) error {
	return s.write(ctx, "risk", len(scores), func(i int) any { return scores[i] })
}
