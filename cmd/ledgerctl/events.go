package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/medledger/internal/ledger"
)

// ── record ───────────────────────────────────────────────────────────────────

var (
	recordKind    string
	recordID      string
	recordAction  string
	recordActor   string
	recordEventID string
	recordPayload string
	recordFile    string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a clinical event",
	Long: `Record one clinical event, or a batch read from a JSON file.

Examples:
  ledgerctl record --kind Prescription --record rx-77 --action Create \
      --payload '{"medicationCode":"RX-1","refills":2}'
  ledgerctl record --file events.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if recordFile != "" {
			events, err := readEventsFile(recordFile)
			if err != nil {
				return err
			}
			rcs, err := c.RecordBatch(ctx, events)
			if err != nil {
				return err
			}
			rows := pterm.TableData{{"EVENT", "BLOCK", "HASH", "DUPLICATE"}}
			for _, rc := range rcs {
				rows = append(rows, []string{rc.EventID, strconv.FormatUint(rc.BlockIndex, 10), rc.BlockHash.Short(), strconv.FormatBool(rc.Duplicate)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		}

		e := ledger.Event{
			EventID:  recordEventID,
			Kind:     ledger.RecordKind(recordKind),
			RecordID: recordID,
			ActorID:  recordActor,
			Action:   ledger.Action(recordAction),
		}
		if e.EventID == "" {
			e.EventID = uuid.NewString()
		}
		if recordPayload != "" {
			if err := json.Unmarshal([]byte(recordPayload), &e.Payload); err != nil {
				return fmt.Errorf("--payload: %w", err)
			}
		}
		rc, err := c.RecordEvent(ctx, e)
		if err != nil {
			return err
		}
		if rc.Duplicate {
			pterm.Warning.Printfln("event %s already recorded in block %d (%s)", rc.EventID, rc.BlockIndex, rc.BlockHash.Short())
			return nil
		}
		pterm.Success.Printfln("event %s sealed in block %d (%s)", rc.EventID, rc.BlockIndex, rc.BlockHash)
		return nil
	},
}

func readEventsFile(path string) ([]ledger.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var events []ledger.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse %s: want a JSON array of events: %w", path, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%s contains no events", path)
	}
	return events, nil
}

func init() {
	f := recordCmd.Flags()
	f.StringVar(&recordKind, "kind", "", "record kind, e.g. Prescription or LabResult")
	f.StringVar(&recordID, "record", "", "record identifier")
	f.StringVar(&recordAction, "action", string(ledger.ActionCreate), "Create, Update or Delete")
	f.StringVar(&recordActor, "actor", "", "acting clinician or system")
	f.StringVar(&recordEventID, "event-id", "", "idempotency key (default: random UUID)")
	f.StringVar(&recordPayload, "payload", "", "payload as a JSON object")
	f.StringVar(&recordFile, "file", "", "JSON array of events to seal as one block")
	recordCmd.MarkFlagsMutuallyExclusive("file", "kind")
	recordCmd.MarkFlagsMutuallyExclusive("file", "record")
}

// ── history ──────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history <record-id>",
	Short: "Show every block that touches a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		blocks, err := c.History(ctx, args[0])
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			pterm.Info.Printfln("no blocks reference record %s", args[0])
			return nil
		}
		rows := pterm.TableData{{"BLOCK", "SEALED", "EVENT", "KIND", "ACTION", "ACTOR"}}
		for _, b := range blocks {
			for _, e := range b.Events {
				if e.RecordID != args[0] {
					continue
				}
				rows = append(rows, []string{
					strconv.FormatUint(b.Index, 10),
					b.SealedAt.Format(time.RFC3339),
					e.EventID, string(e.Kind), string(e.Action), e.ActorID,
				})
			}
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

// ── block / tail ─────────────────────────────────────────────────────────────

var blockCmd = &cobra.Command{
	Use:   "block <index>",
	Short: "Print one block as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("index must be a non-negative integer: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		b, err := c.Block(ctx, idx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	},
}

var tailN int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "List the newest blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		blocks, err := c.Tail(ctx, tailN)
		if err != nil {
			return err
		}
		rows := pterm.TableData{{"BLOCK", "HASH", "PREVIOUS", "EVENTS", "RECORDS", "SEALED"}}
		for _, b := range blocks {
			records := make([]string, 0, len(b.Events))
			for _, e := range b.Events {
				records = append(records, e.RecordID)
			}
			rows = append(rows, []string{
				strconv.FormatUint(b.Index, 10),
				b.Hash.Short(),
				b.PreviousHash.Short(),
				strconv.Itoa(len(b.Events)),
				strings.Join(records, ","),
				b.SealedAt.Format(time.RFC3339),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

func init() {
	tailCmd.Flags().IntVarP(&tailN, "count", "n", 10, "number of blocks")
}

// ── stats ────────────────────────────────────────────────────────────────────

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the chain summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		st, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		rows := pterm.TableData{
			{"State", st.State.String()},
			{"Blocks", strconv.FormatUint(st.TotalBlocks, 10)},
			{"Head", st.HeadHash.String()},
		}
		if st.LastSealedAt != nil {
			rows = append(rows, []string{"Last sealed", st.LastSealedAt.Format(time.RFC3339)})
		}
		if st.Checkpoint != nil {
			rows = append(rows, []string{"Checkpoint", fmt.Sprintf("#%d by %s", st.Checkpoint.Index, st.Checkpoint.AssertedBy)})
		}
		if lv := st.LastVerification; lv != nil {
			rows = append(rows, []string{"Last verified", fmt.Sprintf("%s (%s, %d blocks)", lv.StartedAt.Format(time.RFC3339), verdict(lv), lv.Checked)})
		}
		if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
			return err
		}
		if a := st.Alarm; a != nil {
			pterm.Error.Printfln("CORRUPTION ALARM: block %d (%s) detected %s", a.Index, a.Reason, a.DetectedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func verdict(r *ledger.Report) string {
	switch {
	case !r.Valid:
		return "FAILED"
	case !r.Complete:
		return "incomplete"
	}
	return "ok"
}
