package trust

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
	"github.com/relaymesh/relaymesh/pkg/store"
)

// Abuse report severities.
const (
	ReportSeverityLow      = "low"
	ReportSeverityMedium   = "medium"
	ReportSeverityHigh     = "high"
	ReportSeverityCritical = "critical"
)

// reportPenalties maps a report type to the event applied when a report is
// severe enough to penalize immediately.
var reportPenalties = map[string]string{
	"spam":       EventSpamDetected,
	"abuse":      EventAbuseReport,
	"harassment": EventHarassment,
	"malicious":  EventMaliciousBehavior,
	"security":   EventSecurityViolation,
	"other":      EventAbuseReport,
}

var reportSeverities = map[string]string{
	ReportSeverityLow:      "",
	ReportSeverityMedium:   "",
	ReportSeverityHigh:     model.SeverityWarning,
	ReportSeverityCritical: model.SeverityCritical,
}

// AbuseReportRequest is the input to ProcessAbuseReport.
type AbuseReportRequest struct {
	ReporterIdentity   string            `json:"reporter_identity"`
	ReportedEntityType string            `json:"reported_entity_type"`
	ReportedEntityID   string            `json:"reported_entity_id"`
	ReportType         string            `json:"report_type"`
	Severity           string            `json:"severity"`
	Description        string            `json:"description"`
	Evidence           map[string]string `json:"evidence,omitempty"`
}

func (r *AbuseReportRequest) validate() error {
	if r.ReporterIdentity == "" {
		return fmt.Errorf("reporter identity is required: %w", errdefs.ErrInvalid)
	}
	if err := validateEntity(r.ReportedEntityType, r.ReportedEntityID); err != nil {
		return err
	}
	if _, ok := reportPenalties[r.ReportType]; !ok {
		return fmt.Errorf("report type %q (allowed: spam, abuse, harassment, malicious, security, other): %w", r.ReportType, errdefs.ErrInvalid)
	}
	if _, ok := reportSeverities[r.Severity]; !ok {
		return fmt.Errorf("report severity %q (allowed: low, medium, high, critical): %w", r.Severity, errdefs.ErrInvalid)
	}
	return nil
}

// ProcessAbuseReport stores a pending report. High and critical reports are
// flagged for manual review and penalize the reported entity immediately. A
// failed penalty is logged; the report is still returned with
// PenaltyApplied=false.
func (e *Engine) ProcessAbuseReport(ctx context.Context, req AbuseReportRequest) (*model.AbuseReport, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.ReportedEntityType == model.EntityNode {
		if _, err := e.store.Nodes().Get(ctx, req.ReportedEntityID); err != nil {
			return nil, err
		}
	}

	penaltySeverity := reportSeverities[req.Severity]
	report := &model.AbuseReport{
		ID:                 uuid.NewString(),
		ReporterIdentity:   req.ReporterIdentity,
		ReportedEntityType: req.ReportedEntityType,
		ReportedEntityID:   req.ReportedEntityID,
		ReportType:         req.ReportType,
		Severity:           req.Severity,
		Description:        req.Description,
		Evidence:           maps.Clone(req.Evidence),
		Status:             model.ReportPending,
		NeedsReview:        penaltySeverity != "",
		CreatedAt:          e.clock.Now().UTC(),
	}
	if err := e.store.AbuseReports().Create(ctx, report); err != nil {
		return nil, fmt.Errorf("store abuse report: %w", err)
	}
	e.logger.Info("abuse report filed",
		zap.String("report_id", report.ID),
		zap.String("entity_type", report.ReportedEntityType),
		zap.String("entity_id", report.ReportedEntityID),
		zap.String("report_type", report.ReportType),
		zap.String("severity", report.Severity))

	if penaltySeverity == "" {
		return report, nil
	}

	evidence := maps.Clone(req.Evidence)
	if evidence == nil {
		evidence = make(map[string]string, 1)
	}
	evidence["abuse_report_id"] = report.ID
	_, err := e.RecordEvent(ctx, EventRequest{
		EntityType:  req.ReportedEntityType,
		EntityID:    req.ReportedEntityID,
		EventType:   reportPenalties[req.ReportType],
		Severity:    penaltySeverity,
		Description: fmt.Sprintf("automatic penalty for %s abuse report from %s", req.Severity, req.ReporterIdentity),
		Evidence:    evidence,
	})
	if err != nil {
		e.logger.Error("apply abuse penalty", zap.String("report_id", report.ID), zap.Error(err))
		return report, nil
	}
	updated, err := e.store.AbuseReports().Mutate(ctx, report.ID, func(r *model.AbuseReport) error {
		r.PenaltyApplied = true
		return nil
	})
	if err != nil {
		e.logger.Error("mark abuse penalty applied", zap.String("report_id", report.ID), zap.Error(err))
		report.PenaltyApplied = true
		return report, nil
	}
	return updated, nil
}

// ListAbuseReports returns stored reports, newest first.
func (e *Engine) ListAbuseReports(ctx context.Context, f store.ReportFilter) ([]model.AbuseReport, error) {
	return e.store.AbuseReports().List(ctx, f)
}
