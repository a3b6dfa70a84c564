package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"example.com/fitsync/internal/activity"
	"example.com/fitsync/internal/agent"
	"example.com/fitsync/internal/recordstore"
)

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	*RootOptions
	File      string
	Type      string
	Title     string
	Start     string
	Duration  time.Duration
	Distance  float64
	Calories  float64
	CreatedAt string
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture a workout as a pending local record",
		Long: `Capture a workout into the local store. The record is pushed by the next sync pass.

The payload comes either from a JSON file (--file, "-" for stdin) or from flags.

Example:
  fitsync record --user u1 --type RUNNING --title "Morning run" --duration 30m --distance 5200
  fitsync record --user u1 --file workout.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "JSON activity payload (- for stdin)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "activity type (RUNNING|CYCLING|WEIGHTLIFTING)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "activity title")
	cmd.Flags().StringVar(&opts.Start, "start", "", "start time, RFC 3339 (default now)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "activity duration")
	cmd.Flags().Float64Var(&opts.Distance, "distance", 0, "distance in meters")
	cmd.Flags().Float64Var(&opts.Calories, "calories", 0, "calories burned")
	cmd.Flags().StringVar(&opts.CreatedAt, "created-at", "", "capture time, RFC 3339 (default now)")

	return cmd
}

func runRecord(cmd *cobra.Command, opts *RecordOptions) error {
	now := time.Now().UTC()
	createdAt := now
	if opts.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, opts.CreatedAt)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --created-at", err)
		}
		createdAt = ts
	}

	payload, err := opts.payload(cmd, now)
	if err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid activity", err)
	}

	cfg, err := opts.load()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	userID, err := a.requireUser()
	if err != nil {
		return err
	}

	rec := recordstore.NewPending(userID, payload, createdAt)
	id, err := a.store.Insert(cmd.Context(), rec)
	if err != nil {
		if errors.Is(err, recordstore.ErrDuplicateKey) {
			return WrapExitError(ExitCommandError, "an activity of this type was already captured at that instant", err)
		}
		return WrapExitError(ExitCommandError, "store record", err)
	}
	rec.LocalID = id

	view := agent.RecordView{
		LocalID:        id,
		UserID:         userID,
		IdempotencyKey: rec.Key().String(),
		State:          string(rec.State),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		Activity:       rec.Payload,
	}
	p := printer{format: opts.Format, out: cmd.OutOrStdout()}
	return p.print(view,
		field{"local_id", view.LocalID},
		field{"key", view.IdempotencyKey},
		field{"state", view.State},
	)
}

func (o *RecordOptions) payload(cmd *cobra.Command, now time.Time) (activity.Payload, error) {
	var p activity.Payload
	if o.File != "" {
		raw, err := o.readFile(cmd)
		if err != nil {
			return p, WrapExitError(ExitCommandError, "read activity file", err)
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, WrapExitError(ExitCommandError, "parse activity file", err)
		}
		return p, nil
	}

	typ, err := activity.ParseType(o.Type)
	if err != nil {
		return p, WrapExitError(ExitCommandError, "invalid --type", err)
	}
	start := now
	if o.Start != "" {
		if start, err = time.Parse(time.RFC3339Nano, o.Start); err != nil {
			return p, WrapExitError(ExitCommandError, "invalid --start", err)
		}
	}
	p = activity.Payload{
		Type:            typ,
		Title:           o.Title,
		StartTime:       start.UTC(),
		DurationSeconds: int64(o.Duration / time.Second),
		DistanceMeters:  o.Distance,
		CaloriesBurned:  o.Calories,
	}
	if o.Duration > 0 {
		p.EndTime = p.StartTime.Add(o.Duration)
	}
	if p.Title == "" {
		p.Title = fmt.Sprintf("%s workout", typ)
	}
	return p, nil
}

func (o *RecordOptions) readFile(cmd *cobra.Command) ([]byte, error) {
	if o.File == "-" {
		var raw json.RawMessage
		if err := json.NewDecoder(cmd.InOrStdin()).Decode(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	return os.ReadFile(o.File)
}
