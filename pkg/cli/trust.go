package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/pkg/client"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Record trust events and inspect reputation",
	Long:  "Record reputation events against nodes or identities, browse the event log, and compute windowed reputation aggregates.",
}

var trustEventReq trust.EventRequest

var trustRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a trust event against a node or identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := trustEventReq
		if req.EntityID == "" || req.EventType == "" {
			return fmt.Errorf("--entity and --event are required")
		}
		if err := client.ValidateID(req.EntityID); err != nil {
			return fmt.Errorf("invalid --entity value: %w", err)
		}
		if _, err := trust.Delta(req.EventType, req.Severity); err != nil {
			return err
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would record %s against %s/%s\n", req.EventType, req.EntityType, req.EntityID)
			return nil
		}
		res, err := apiClient.RecordTrustEvent(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("failed to record event: %w", err)
		}
		render(cmd, res, res)
		if res.Level != res.PreviousLevel {
			fmt.Fprintf(cmd.ErrOrStderr(), "trust level changed: %s -> %s\n", res.PreviousLevel, res.Level)
		}
		return nil
	},
}

var (
	trustEventsEntity string
	trustEventsLimit  int
)

var trustEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded trust events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := apiClient.ListTrustEvents(cmd.Context(), trustEventsEntity, trustEventsLimit)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}
		render(cmd, events, eventRows(events))
		return nil
	},
}

var trustWindowHours float64

var trustReputationCmd = &cobra.Command{
	Use:   "reputation <node|identity> <id>",
	Short: "Compute a windowed reputation aggregate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.ValidateID(args[1]); err != nil {
			return fmt.Errorf("invalid id: %w", err)
		}
		agg, err := apiClient.Reputation(cmd.Context(), args[0], args[1], trustWindowHours)
		if err != nil {
			return fmt.Errorf("failed to compute reputation: %w", err)
		}
		render(cmd, agg, agg)
		return nil
	},
}

type eventTypeRow struct {
	Event string  `table:"EVENT"`
	Delta float64 `table:"BASE_DELTA"`
}

var trustEventTypesCmd = &cobra.Command{
	Use:   "event-types",
	Short: "List the known event types and their base score deltas",
	RunE: func(cmd *cobra.Command, args []string) error {
		types := trust.EventTypes()
		rows := make([]eventTypeRow, 0, len(types))
		deltas := make(map[string]float64, len(types))
		for _, t := range types {
			d, _ := trust.BaseDelta(t)
			rows = append(rows, eventTypeRow{Event: t, Delta: d})
			deltas[t] = d
		}
		render(cmd, deltas, rows)
		return nil
	},
}

var abuseCmd = &cobra.Command{
	Use:   "abuse",
	Short: "File and list abuse reports",
}

var abuseReq trust.AbuseReportRequest

var abuseReportCmd = &cobra.Command{
	Use:   "report",
	Short: "File an abuse report; high and critical reports penalize immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := abuseReq
		if req.ReporterIdentity == "" || req.ReportedEntityID == "" || req.ReportType == "" {
			return fmt.Errorf("--reporter, --entity and --type are required")
		}
		if err := client.ValidateID(req.ReportedEntityID); err != nil {
			return fmt.Errorf("invalid --entity value: %w", err)
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would report %s/%s for %s (%s)\n",
				req.ReportedEntityType, req.ReportedEntityID, req.ReportType, req.Severity)
			return nil
		}
		rep, err := apiClient.ReportAbuse(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("failed to file report: %w", err)
		}
		render(cmd, rep, reportRows([]model.AbuseReport{*rep}))
		return nil
	},
}

var abuseListStatus string

var abuseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List abuse reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		reports, err := apiClient.ListAbuseReports(cmd.Context(), abuseListStatus)
		if err != nil {
			return fmt.Errorf("failed to list reports: %w", err)
		}
		render(cmd, reports, reportRows(reports))
		return nil
	},
}

func init() {
	f := trustRecordCmd.Flags()
	f.StringVar(&trustEventReq.EntityType, "entity-type", model.EntityNode, "node or identity")
	f.StringVar(&trustEventReq.EntityID, "entity", "", "node id or identity (required)")
	f.StringVar(&trustEventReq.EventType, "event", "", "event type, see 'meshctl trust event-types' (required)")
	f.StringVar(&trustEventReq.Severity, "severity", "", "info, warning or critical (default info)")
	f.StringVar(&trustEventReq.Description, "description", "", "free-form description")

	trustEventsCmd.Flags().StringVar(&trustEventsEntity, "entity", "", "only events for this node id or identity")
	trustEventsCmd.Flags().IntVar(&trustEventsLimit, "limit", 0, "maximum number of events (server default when 0)")

	trustReputationCmd.Flags().Float64Var(&trustWindowHours, "window", 0,
		"window in hours (default "+strconv.FormatFloat(trust.DefaultWindowHours, 'f', -1, 64)+")")

	f = abuseReportCmd.Flags()
	f.StringVar(&abuseReq.ReporterIdentity, "reporter", "", "reporting identity (required)")
	f.StringVar(&abuseReq.ReportedEntityType, "entity-type", model.EntityNode, "node or identity")
	f.StringVar(&abuseReq.ReportedEntityID, "entity", "", "reported node id or identity (required)")
	f.StringVar(&abuseReq.ReportType, "type", "", "spam, abuse, harassment, malicious, security or other (required)")
	f.StringVar(&abuseReq.Severity, "severity", trust.ReportSeverityMedium, "low, medium, high or critical")
	f.StringVar(&abuseReq.Description, "description", "", "what happened")

	abuseListCmd.Flags().StringVar(&abuseListStatus, "status", "", "only reports with this status (pending, reviewed, dismissed)")

	trustCmd.AddCommand(trustRecordCmd)
	trustCmd.AddCommand(trustEventsCmd)
	trustCmd.AddCommand(trustReputationCmd)
	trustCmd.AddCommand(trustEventTypesCmd)
	rootCmd.AddCommand(trustCmd)

	abuseCmd.AddCommand(abuseReportCmd)
	abuseCmd.AddCommand(abuseListCmd)
	rootCmd.AddCommand(abuseCmd)
}
