package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/forgefit/accessbridge/internal/accessbridge/store/sqlite"
)

var externalEventID string

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Show one stored raw event and its processing state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runOnce(cmd, func(ctx context.Context, a *app) (any, error) {
			rec, err := a.events.GetByExternalID(ctx, externalEventID)
			if errors.Is(err, sqlite.ErrNotFound) {
				return map[string]any{"found": false, "eventId": externalEventID},
					fmt.Errorf("event %s not found", externalEventID)
			}
			if err != nil {
				return nil, err
			}
			return eventView{
				ID:             rec.ID,
				BranchID:       rec.BranchID,
				EventID:        rec.ExternalEventID,
				EventType:      string(rec.EventType),
				EventTime:      rec.EventTime,
				PersonID:       rec.PersonID,
				CardNo:         rec.CardNo,
				DeviceID:       rec.DeviceID,
				Source:         string(rec.Source),
				Processed:      rec.Processed,
				ProcessedAt:    rec.ProcessedAt,
				LeaseOwner:     rec.LeaseOwner,
				LeaseExpiresAt: rec.LeaseExpiresAt,
				Attempts:       rec.Attempts,
				LastError:      rec.LastError,
				RawPayload:     json.RawMessage(rec.RawPayload),
			}, nil
		})
	},
}

type eventView struct {
	ID             int64           `json:"id"`
	BranchID       string          `json:"branchId"`
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	EventTime      time.Time       `json:"eventTime"`
	PersonID       string          `json:"personId,omitempty"`
	CardNo         string          `json:"cardNo,omitempty"`
	DeviceID       string          `json:"deviceId,omitempty"`
	Source         string          `json:"source"`
	Processed      bool            `json:"processed"`
	ProcessedAt    *time.Time      `json:"processedAt,omitempty"`
	LeaseOwner     string          `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
	RawPayload     json.RawMessage `json:"rawPayload"`
}

func init() {
	eventCmd.Flags().StringVar(&externalEventID, "id", "", "vendor event id")
	_ = eventCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(eventCmd)
}
