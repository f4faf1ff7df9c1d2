package util

import "fmt"

// IngestCounts is a snapshot of ingestion counters for one engine.
type IngestCounts struct {
	Submitted    int64
	Stored       int64
	Duplicate    int64
	Rejected     int64
	EmbedPending int64
	Embedded     int64
	EmbedFailed  int64
}

type IngestStepProgress struct {
	Stored    string `json:"stored,omitempty"`
	Duplicate string `json:"duplicate,omitempty"`
	Rejected  string `json:"rejected,omitempty"`
	Embedding string `json:"embedding,omitempty"`
	Failed    string `json:"failed,omitempty"`
}

type IngestProgress struct {
	Step       *IngestStepProgress `json:"step,omitempty"`
	Percentage *int32              `json:"percentage,omitempty"`
}

const (
	recordProgressWeightStep int64 = 4
	totalProgressStepCount   int64 = 5
)

func BuildIngestProgress(c IngestCounts) IngestProgress {
	if c.Submitted <= 0 {
		return IngestProgress{}
	}

	stepProgress := IngestStepProgress{}
	hasStep := false

	if c.Stored > 0 {
		stepProgress.Stored = fmt.Sprintf("%d/%d", c.Stored, c.Submitted)
		hasStep = true
	}
	if c.Duplicate > 0 {
		stepProgress.Duplicate = fmt.Sprintf("%d/%d", c.Duplicate, c.Submitted)
		hasStep = true
	}
	if c.Rejected > 0 {
		stepProgress.Rejected = fmt.Sprintf("%d/%d", c.Rejected, c.Submitted)
		hasStep = true
	}
	if c.EmbedPending > 0 {
		stepProgress.Embedding = fmt.Sprintf("%d/%d", c.EmbedPending, c.Stored)
		hasStep = true
	}
	if c.EmbedFailed > 0 {
		stepProgress.Failed = fmt.Sprintf("%d/%d", c.EmbedFailed, c.Stored)
		hasStep = true
	}

	progress := IngestProgress{}
	if hasStep {
		progress.Step = &stepProgress
	}
	percentage := CalculateIngestProgressPercentage(c)
	progress.Percentage = &percentage

	return progress
}

// CalculateIngestProgressPercentage weights record processing four times as
// heavily as embedding. Failed embeddings count as done.
func CalculateIngestProgressPercentage(c IngestCounts) int32 {
	if c.Submitted <= 0 {
		return 0
	}

	processed := min(c.Stored+c.Duplicate+c.Rejected, c.Submitted)
	recordPct := processed * 100 / c.Submitted
	if recordPct < 100 {
		return int32(recordPct * recordProgressWeightStep / totalProgressStepCount)
	}
	if c.Stored == 0 {
		return 100
	}

	embedded := min(c.Embedded+c.EmbedFailed, c.Stored)
	embedPct := embedded * 100 / c.Stored
	return int32(recordProgressWeightStep*100/totalProgressStepCount + embedPct/totalProgressStepCount)
}
