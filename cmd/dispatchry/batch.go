package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/dispatchry/internal/batch"
	"github.com/foxzi/dispatchry/internal/campaign"
)

var (
	batchListStatus   string
	batchListCampaign string
	batchListLimit    int

	batchCreateTemplate  string
	batchCreateCustomers string
	batchCreateSize      int
	batchCreateStart     string
	batchCreatePriority  int

	estimateCustomers int
	estimateSize      int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Batch management commands",
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, newest first",
	RunE:  runBatchList,
}

var batchShowCmd = &cobra.Command{
	Use:   "show <batch_id>",
	Short: "Show batch details",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchShow,
}

var batchMessagesCmd = &cobra.Command{
	Use:   "messages <batch_id>",
	Short: "Show the per-recipient messages of a batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchMessages,
}

var batchRescheduleCmd = &cobra.Command{
	Use:   "reschedule <batch_id>",
	Short: "Move a failed batch back to pending ahead of the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchReschedule,
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Split customers into batches for a template",
	RunE:  runBatchCreate,
}

var batchEstimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate batch count and completion time",
	RunE:  runBatchEstimate,
}

var batchStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show batch statistics",
	RunE:  runBatchStats,
}

func init() {
	batchListCmd.Flags().StringVar(&batchListStatus, "status", "", "Filter by status (pending, sending, completed, failed)")
	batchListCmd.Flags().StringVar(&batchListCampaign, "campaign", "", "Filter by campaign ID")
	batchListCmd.Flags().IntVar(&batchListLimit, "limit", 50, "Maximum number of batches to show")

	batchCreateCmd.Flags().StringVar(&batchCreateTemplate, "template", "", "Template ID (required)")
	batchCreateCmd.Flags().StringVar(&batchCreateCustomers, "customers", "", "File with one customer ID per line, - for stdin (required)")
	batchCreateCmd.Flags().IntVar(&batchCreateSize, "size", 100, "Recipients per batch")
	batchCreateCmd.Flags().StringVar(&batchCreateStart, "start", "", "Start time (RFC 3339), now when empty")
	batchCreateCmd.Flags().IntVar(&batchCreatePriority, "priority", 0, "Dispatch priority, higher goes first")
	batchCreateCmd.MarkFlagRequired("template")
	batchCreateCmd.MarkFlagRequired("customers")

	batchEstimateCmd.Flags().IntVar(&estimateCustomers, "customers", 0, "Total number of customers")
	batchEstimateCmd.Flags().IntVar(&estimateSize, "size", 100, "Recipients per batch")

	batchStatsCmd.Flags().Bool("json", false, "Output as JSON")

	batchCmd.AddCommand(
		batchListCmd,
		batchShowCmd,
		batchMessagesCmd,
		batchRescheduleCmd,
		batchCreateCmd,
		batchEstimateCmd,
		batchStatsCmd,
	)
	rootCmd.AddCommand(batchCmd)
}

func runBatchList(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	filter := batch.ListFilter{
		Status:     batch.Status(batchListStatus),
		CampaignID: batchListCampaign,
		Limit:      batchListLimit,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return fmt.Errorf("unknown status %q", batchListStatus)
	}

	batches, err := st.campaigns.ListBatches(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to list batches: %w", err)
	}

	if len(batches) == 0 {
		fmt.Println("No batches found")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tCAMPAIGN\tNUM\tSTATUS\tPRIORITY\tSTART\tSENT\tFAILED\tPENDING")
	fmt.Fprintln(w, "--\t--------\t---\t------\t--------\t-----\t----\t------\t-------")
	for _, b := range batches {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%d\t%s\t%d\t%d\t%d\n",
			b.ID,
			truncateID(b.CampaignID),
			b.BatchNumber,
			b.TotalBatches,
			b.Status,
			b.Priority,
			b.StartTime.Local().Format("2006-01-02 15:04"),
			b.SuccessCount,
			b.FailedCount,
			b.PendingCount(),
		)
	}
	w.Flush()

	fmt.Printf("\nShowing %d batches\n", len(batches))
	return nil
}

func runBatchShow(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	b, err := st.campaigns.GetBatch(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get batch: %w", err)
	}

	printBatch(b)
	return nil
}

func printBatch(b *batch.Batch) {
	fmt.Printf("ID:          %s\n", b.ID)
	fmt.Printf("Campaign:    %s\n", b.CampaignID)
	fmt.Printf("Template:    %s\n", b.TemplateID)
	fmt.Printf("Batch:       %d of %d\n", b.BatchNumber, b.TotalBatches)
	fmt.Printf("Status:      %s\n", b.Status)
	fmt.Printf("Priority:    %d\n", b.Priority)
	fmt.Printf("Start:       %s\n", b.StartTime.Local().Format(time.RFC3339))
	fmt.Printf("Recipients:  %d\n", b.Recipients())
	fmt.Printf("Sent:        %d\n", b.SuccessCount)
	fmt.Printf("Failed:      %d\n", b.FailedCount)
	fmt.Printf("Attempts:    %d\n", b.Attempts)
	fmt.Printf("Created:     %s\n", b.CreatedAt.Local().Format(time.RFC3339))
	if b.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", b.CompletedAt.Local().Format(time.RFC3339))
	}
}

func runBatchMessages(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	deliveries, err := st.campaigns.BatchMessages(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get messages: %w", err)
	}

	w := newTable()
	fmt.Fprintln(w, "#\tCUSTOMER\tPHONE\tSTATUS\tATTEMPTS\tMESSAGE\tERROR")
	for _, d := range deliveries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			d.Position,
			truncate(d.Name, 24),
			d.Phone,
			d.Status,
			d.Attempts,
			truncate(d.Content, 40),
			truncate(d.Error, 40),
		)
	}
	w.Flush()

	return nil
}

func runBatchReschedule(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	b, err := st.campaigns.Reschedule(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to reschedule batch: %w", err)
	}

	fmt.Printf("Batch %s rescheduled with priority %d\n", b.ID, b.Priority)
	return nil
}

func runBatchCreate(cmd *cobra.Command, args []string) error {
	ids, err := readCustomerIDs(batchCreateCustomers)
	if err != nil {
		return err
	}

	req := campaign.CreateRequest{
		TemplateID:  batchCreateTemplate,
		CustomerIDs: ids,
		BatchSize:   batchCreateSize,
		Priority:    batchCreatePriority,
	}
	if batchCreateStart != "" {
		req.StartTime, err = time.Parse(time.RFC3339, batchCreateStart)
		if err != nil {
			return fmt.Errorf("invalid start time: %w", err)
		}
	}

	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := st.campaigns.CreateBatches(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("failed to create batches: %w", err)
	}

	fmt.Println(result.Message)
	fmt.Printf("Campaign: %s\n", result.CampaignID)
	for _, b := range result.Batches {
		fmt.Printf("  %s  %d recipients\n", b.ID, b.Recipients())
	}
	return nil
}

// readCustomerIDs reads one ID per line, skipping blanks and # comments
func readCustomerIDs(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open customer list: %w", err)
		}
		defer f.Close()
		r = f
	}

	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read customer list: %w", err)
	}
	return ids, nil
}

func runBatchEstimate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	est, err := batch.NewEstimator(batch.EstimatorConfig{
		SplitOverhead:     cfg.Estimate.SplitOverhead,
		PerBatchSplitCost: cfg.Estimate.PerBatchSplitCost,
		PerMessage:        cfg.Estimate.PerMessage,
		BatchSpacing:      cfg.Estimate.BatchSpacing,
		PollInterval:      cfg.Dispatch.PollInterval,
	}).Estimate(estimateCustomers, estimateSize)
	if err != nil {
		return err
	}

	fmt.Printf("Customers:            %d\n", est.TotalCustomers)
	fmt.Printf("Batch size:           %d\n", est.BatchSize)
	fmt.Printf("Batches:              %d\n", est.TotalBatches)
	fmt.Printf("Split time:           %.2fs\n", est.SplitTimeSeconds)
	fmt.Printf("Estimated completion: %.2f min\n", est.EstimatedCompletionMinutes)
	return nil
}

func runBatchStats(cmd *cobra.Command, args []string) error {
	st, err := openStores()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.campaigns.BatchStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Println("Batch Statistics")
	fmt.Println("================")
	fmt.Printf("Pending:    %d\n", stats.Pending)
	fmt.Printf("Sending:    %d\n", stats.Sending)
	fmt.Printf("Completed:  %d\n", stats.Completed)
	fmt.Printf("Failed:     %d\n", stats.Failed)
	fmt.Printf("Total:      %d\n", stats.Total)
	fmt.Println()
	fmt.Printf("Recipients: %d\n", stats.Recipients)
	fmt.Printf("Sent:       %d\n", stats.MessagesSent)
	fmt.Printf("Failed:     %d\n", stats.MessagesFailed)
	return nil
}
