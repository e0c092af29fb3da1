package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/casegate/casegate/internal/consent"
)

// ConsentService is the slice of the consent engine the operator commands use.
type ConsentService interface {
	Resync(ctx context.Context, subjectID, actor string) (consent.ResyncResult, error)
	ExpiredSubjects(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// ConsentOpsCLI offers operator helpers to repair and inspect grant state.
type ConsentOpsCLI struct {
	service ConsentService
	now     func() time.Time
}

// NewConsentOpsCLI constructs the helper over service.
func NewConsentOpsCLI(service ConsentService) (*ConsentOpsCLI, error) {
	if service == nil {
		return nil, errors.New("consent cli: service required")
	}
	return &ConsentOpsCLI{service: service, now: time.Now}, nil
}

const defaultOperatorActor = "system:cli"

// ResyncOptions defines available flags for the resync command.
type ResyncOptions struct {
	SubjectIDs []string
	Actor      string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ResyncSummary describes the JSON response for resync.
type ResyncSummary struct {
	Repaired int             `json:"repaired"`
	Failed   int             `json:"failed"`
	Subjects []SubjectResync `json:"subjects"`
}

// SubjectResync reports the outcome for one subject.
type SubjectResync struct {
	SubjectID       string `json:"subject_id"`
	ConsentID       string `json:"consent_id,omitempty"`
	EffectiveStatus string `json:"effective_status,omitempty"`
	Allowed         int    `json:"allowed"`
	GrantsCreated   int    `json:"grants_created"`
	GrantsRevoked   int    `json:"grants_revoked"`
	Error           string `json:"error,omitempty"`
}

// ResyncCommand converges the managed grants of each subject. It exits 10 when
// drift was repaired so cron wrappers can alert on it.
func (c *ConsentOpsCLI) ResyncCommand(ctx context.Context, opts ResyncOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	subjects := compactIDs(opts.SubjectIDs)
	if len(subjects) == 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "consent resync: at least one subject id is required")
		return 1
	}
	summary := c.resyncAll(ctx, subjects, actorOrDefault(opts.Actor))
	if code := writeSummary(opts, "consent resync", summary); code != 0 {
		return code
	}
	return summaryExit(summary)
}

// ExpiredOptions defines available flags for the expired command.
type ExpiredOptions struct {
	Limit      int
	Resync     bool
	Actor      string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ExpiredCommand lists subjects whose latest consent lapsed while managed
// grants remain, and optionally repairs them.
func (c *ConsentOpsCLI) ExpiredCommand(ctx context.Context, opts ExpiredOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Limit < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "consent expired: --limit must not be negative")
		return 1
	}
	subjects, err := c.service.ExpiredSubjects(ctx, c.now(), opts.Limit)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "consent expired: %v\n", err)
		return 1
	}
	if !opts.Resync {
		if opts.JSONOutput {
			if subjects == nil {
				subjects = []string{}
			}
			if err := json.NewEncoder(opts.Stdout).Encode(map[string][]string{"subjects": subjects}); err != nil {
				_, _ = fmt.Fprintf(opts.Stderr, "consent expired: encode json: %v\n", err)
				return 1
			}
		} else {
			if len(subjects) == 0 {
				_, _ = fmt.Fprintln(opts.Stdout, "No expired consents with active grants.")
			}
			for _, id := range subjects {
				_, _ = fmt.Fprintln(opts.Stdout, id)
			}
		}
		if len(subjects) > 0 {
			return 10
		}
		return 0
	}

	summary := c.resyncAll(ctx, subjects, actorOrDefault(opts.Actor))
	if code := writeSummary(ResyncOptions{JSONOutput: opts.JSONOutput, Stdout: opts.Stdout, Stderr: opts.Stderr}, "consent expired", summary); code != 0 {
		return code
	}
	return summaryExit(summary)
}

func (c *ConsentOpsCLI) resyncAll(ctx context.Context, subjects []string, actor string) ResyncSummary {
	summary := ResyncSummary{Subjects: make([]SubjectResync, 0, len(subjects))}
	for _, id := range subjects {
		entry := SubjectResync{SubjectID: id}
		result, err := c.service.Resync(ctx, id, actor)
		if err != nil {
			entry.Error = err.Error()
			summary.Failed++
			summary.Subjects = append(summary.Subjects, entry)
			continue
		}
		if result.Consent != nil {
			entry.ConsentID = result.Consent.ID
			entry.EffectiveStatus = string(consent.EffectiveStatusAt(*result.Consent, c.now()))
		}
		entry.Allowed = len(result.Resolution.Allowed)
		entry.GrantsCreated = result.Grants.Created
		entry.GrantsRevoked = result.Grants.Revoked
		if entry.GrantsCreated+entry.GrantsRevoked > 0 {
			summary.Repaired++
		}
		summary.Subjects = append(summary.Subjects, entry)
	}
	return summary
}

func writeSummary(opts ResyncOptions, command string, summary ResyncSummary) int {
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "%s: encode json: %v\n", command, err)
			return 1
		}
		return 0
	}
	tw := tabwriter.NewWriter(opts.Stdout, 2, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SUBJECT\tCONSENT\tSTATUS\tALLOWED\tCREATED\tREVOKED")
	for _, s := range summary.Subjects {
		if s.Error != "" {
			_, _ = fmt.Fprintf(opts.Stderr, "%s: %s: %s\n", command, s.SubjectID, s.Error)
			continue
		}
		consentID, status := s.ConsentID, s.EffectiveStatus
		if consentID == "" {
			consentID, status = "-", "none"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n", s.SubjectID, consentID, status, s.Allowed, s.GrantsCreated, s.GrantsRevoked)
	}
	if err := tw.Flush(); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "%s: %v\n", command, err)
		return 1
	}
	return 0
}

func summaryExit(summary ResyncSummary) int {
	switch {
	case summary.Failed > 0:
		return 1
	case summary.Repaired > 0:
		return 10
	default:
		return 0
	}
}

func actorOrDefault(actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return defaultOperatorActor
}

func compactIDs(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
