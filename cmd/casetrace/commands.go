package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/casetrace/backend/internal/bootstrap"
	"github.com/casetrace/backend/internal/queue"
	"github.com/casetrace/backend/pkg/audit"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/engine"
	"github.com/casetrace/backend/pkg/export"

	"github.com/spf13/cobra"
)

const cliActor = "cli"

var (
	topK         int
	recordTypes  []string
	fromTime     string
	toTime       string
	scopeFiles   []string
	languages    []string
	includeGraph bool
	includeRisk  bool
	outputPath   string
	riskAt       string
	auditOp      string
	auditLimit   int

	ingestCmd = &cobra.Command{
		Use:   "ingest [file]",
		Short: "Ingest records from a JSON array or JSON lines file of ingest items",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}
	publishCmd = &cobra.Command{
		Use:   "publish [file]",
		Short: "Queue records for asynchronous ingestion by the server",
		Args:  cobra.ExactArgs(1),
		RunE:  runPublish,
	}
	queryCmd = &cobra.Command{
		Use:   "query [text]",
		Short: "Run a hybrid query and print cited results",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	exportCmd = &cobra.Command{
		Use:   "export [text]",
		Short: "Run a query and write results, edges and risk scores as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	riskCmd = &cobra.Command{
		Use:   "risk [entity-id]",
		Short: "Print the risk score and activity spikes of an entity",
		Args:  cobra.ExactArgs(1),
		RunE:  runRisk,
	}
	maintainCmd = &cobra.Command{
		Use:   "maintain",
		Short: "Verify the indexes and re-embed records whose embedding failed",
		Args:  cobra.NoArgs,
		RunE:  runMaintain,
	}
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit chain",
	}
	auditVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Verify every signature and link of the audit chain",
		Args:  cobra.NoArgs,
		RunE:  runAuditVerify,
	}
	auditListCmd = &cobra.Command{
		Use:   "list",
		Short: "List audit entries",
		Args:  cobra.NoArgs,
		RunE:  runAuditList,
	}
)

func init() {
	for _, c := range []*cobra.Command{queryCmd, exportCmd} {
		c.Flags().IntVar(&topK, "top", 10, "number of results")
		c.Flags().StringSliceVar(&recordTypes, "type", nil, "only records of these types")
		c.Flags().StringVar(&fromTime, "from", "", "only records at or after this RFC 3339 time")
		c.Flags().StringVar(&toTime, "to", "", "only records at or before this RFC 3339 time")
		c.Flags().StringSliceVar(&scopeFiles, "scope", nil, "restrict to these source files or directory prefixes")
		c.Flags().StringSliceVar(&languages, "lang", nil, "only records detected in these ISO 639-1 languages")
		c.Flags().BoolVar(&includeGraph, "graph", false, "include relationship edges")
		c.Flags().BoolVar(&includeRisk, "risk", false, "include risk scores")
	}
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write to this file instead of stdout")
	riskCmd.Flags().StringVar(&riskAt, "at", "", "evaluate at this RFC 3339 time instead of now")
	auditListCmd.Flags().StringVar(&auditOp, "operation", "", "only entries of this operation")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries")
	auditCmd.AddCommand(auditVerifyCmd, auditListCmd)
}

// readItems accepts a JSON array or one ingest item per line.
func readItems(path string) ([]common.IngestItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []common.IngestItem
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return items, nil
	}

	var items []common.IngestItem
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var item common.IngestItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to parse %s line %d: %w", path, line, err)
		}
		items = append(items, item)
	}
	return items, scanner.Err()
}

func openEngine(ctx context.Context) (*engine.Engine, error) {
	fetcher, err := bootstrap.NewFetcher(ctx)
	if err != nil {
		return nil, err
	}
	return bootstrap.OpenEngine(ctx, cfg, fetcher)
}

func cliScope() common.Scope {
	if len(scopeFiles) > 0 {
		return common.ScopeForFiles(scopeFiles...)
	}
	return common.AllowAll()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runIngest(cmd *cobra.Command, args []string) error {
	items, err := readItems(args[0])
	if err != nil {
		return err
	}
	ctx := audit.WithActor(cmd.Context(), cliActor)
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	results, err := eng.Ingest(ctx, cliActor, items)
	if err != nil {
		return err
	}
	if err := eng.WaitEmbeddings(ctx); err != nil {
		return err
	}

	counts := make(map[common.IngestStatus]int)
	for _, r := range results {
		counts[r.Status]++
		if r.Status == common.IngestRejected {
			fmt.Fprintf(cmd.ErrOrStderr(), "item %d rejected: %s\n", r.Index, r.Reason)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %d, duplicate %d, rejected %d\n",
		counts[common.IngestStored], counts[common.IngestDuplicate], counts[common.IngestRejected])
	if failed := eng.FailedEmbeddings(); len(failed) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d records are lexical only, embedding failed\n", len(failed))
	}
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	items, err := readItems(args[0])
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return errors.New("no items to publish")
	}
	conn, err := queue.Init()
	if err != nil {
		return err
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, []string{queue.IngestQueue}); err != nil {
		return err
	}
	id, err := queue.PublishIngest(ch, cliActor, items)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func queryFilters() (engine.Filters, error) {
	var f engine.Filters
	for _, t := range recordTypes {
		f.Types = append(f.Types, common.RecordType(t))
	}
	f.Languages = languages
	var err error
	if fromTime != "" {
		if f.From, err = time.Parse(time.RFC3339, fromTime); err != nil {
			return f, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if toTime != "" {
		if f.To, err = time.Parse(time.RFC3339, toTime); err != nil {
			return f, fmt.Errorf("invalid --to: %w", err)
		}
	}
	return f, nil
}

func query(cmd *cobra.Command, text string) (*engine.QueryResult, error) {
	filters, err := queryFilters()
	if err != nil {
		return nil, err
	}
	ctx := audit.WithActor(cmd.Context(), cliActor)
	eng, err := openEngine(ctx)
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	return eng.Query(ctx, engine.Query{
		Text:         text,
		Filters:      filters,
		TopK:         topK,
		Scope:        cliScope(),
		IncludeGraph: includeGraph,
		IncludeRisk:  includeRisk,
	})
}

func runQuery(cmd *cobra.Command, args []string) error {
	res, err := query(cmd, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if res.Partial {
		fmt.Fprintln(out, "partial results, semantic ranking incomplete")
	}
	for i, r := range res.Results {
		fmt.Fprintf(out, "%2d. %s:%d-%d  %.2f  %s\n", i+1, r.SourceFile, r.Lines.Start, r.Lines.End, r.Confidence, r.Snippet)
	}
	for _, rs := range res.Risk {
		fmt.Fprintf(out, "risk entity %d: %.2f\n", rs.EntityID, rs.Score)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	res, err := query(cmd, args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return export.Write(cmd.Context(), newJSONLinesSink(w), export.Bundle{
		Results: res.Results,
		Edges:   res.Edges,
		Risk:    res.Risk,
	})
}

func runRisk(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid entity id %q", args[0])
	}
	var at time.Time
	if riskAt != "" {
		if at, err = time.Parse(time.RFC3339, riskAt); err != nil {
			return err
		}
	}
	ctx := audit.WithActor(cmd.Context(), cliActor)
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	risk, err := eng.Risk(common.EntityID(id), at, common.AllowAll())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), risk)
}

func runMaintain(cmd *cobra.Command, args []string) error {
	ctx := audit.WithActor(cmd.Context(), cliActor)
	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	failed := len(eng.FailedEmbeddings())
	if err := eng.Maintain(ctx); err != nil {
		return err
	}
	if err := eng.WaitEmbeddings(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "indexes verified, %d of %d failed embeddings recovered\n",
		failed-len(eng.FailedEmbeddings()), failed)
	return nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := eng.Audit().Verify(); err != nil {
		return fmt.Errorf("audit chain invalid: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "audit chain valid, %d entries\n", eng.Audit().Len())
	return nil
}

func runAuditList(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()
	entries := eng.Audit().List(audit.Query{Operation: audit.Operation(auditOp), Limit: auditLimit})
	return printJSON(cmd.OutOrStdout(), entries)
}
