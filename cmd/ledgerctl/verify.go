package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/medledger/internal/archive"
	"github.com/jmerrifield20/medledger/internal/ledger"
	"github.com/jmerrifield20/medledger/internal/logging"
	"github.com/jmerrifield20/medledger/internal/store"
	"github.com/jmerrifield20/medledger/pkg/client"
)

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyDataDir        string
	verifyArchive        string
	verifyFrom           int64
	verifyTo             int64
	verifyFromCheckpoint bool
	verifyQuiet          bool
	verifyWait           time.Duration
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain",
	Long: `Verify the chain and print the report.

By default the running service verifies from its checkpoint to the head.
With --data-dir the chain is read straight from a LevelDB directory (the
service must be stopped, or the directory a copy). With --archive an NDJSON
export is re-verified offline.

Exits with status 2 when the chain is corrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			rep *ledger.Report
			err error
		)
		switch {
		case verifyDataDir != "" && verifyArchive != "":
			return errors.New("--data-dir and --archive are mutually exclusive")
		case verifyDataDir != "":
			rep, err = verifyLevelDB(cmd.Context(), verifyDataDir)
		case verifyArchive != "":
			rep, err = verifyArchiveFile(cmd.Context(), verifyArchive)
		default:
			rep, err = verifyRemote(cmd.Context())
		}
		if err != nil {
			return err
		}
		printReport(rep)
		if !rep.Valid {
			return errCorrupted
		}
		return nil
	},
}

func init() {
	f := verifyCmd.Flags()
	f.StringVar(&verifyDataDir, "data-dir", "", "verify a LevelDB chain directory offline")
	f.StringVar(&verifyArchive, "archive", "", "verify an NDJSON chain archive offline")
	f.Int64Var(&verifyFrom, "from", -1, "first block to verify")
	f.Int64Var(&verifyTo, "to", -1, "last block to verify, inclusive")
	f.BoolVar(&verifyFromCheckpoint, "from-checkpoint", false, "with --data-dir: start after the stored checkpoint")
	f.BoolVar(&verifyQuiet, "quiet", false, "no progress bar")
	f.DurationVar(&verifyWait, "wait", 5*time.Minute, "server-side verification deadline")
}

func verifyRemote(ctx context.Context) (*ledger.Report, error) {
	c, err := newClient()
	if err != nil {
		return nil, err
	}
	req := client.VerifyRequest{Timeout: verifyWait}
	if verifyFrom >= 0 {
		from := uint64(verifyFrom)
		req.From = &from
	}
	if verifyTo >= 0 {
		to := uint64(verifyTo)
		req.To = &to
	}
	ctx, cancel := context.WithTimeout(ctx, verifyWait+timeout)
	defer cancel()

	var spinner *pterm.SpinnerPrinter
	if !verifyQuiet {
		spinner, _ = pterm.DefaultSpinner.Start("verifying on " + serverURL)
	}
	res, err := c.Verify(ctx, req)
	if spinner != nil {
		_ = spinner.Stop()
	}
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		pterm.Warning.Println(res.Error)
	}
	return res.Report, nil
}

func verifyLevelDB(ctx context.Context, dir string) (*ledger.Report, error) {
	logger, err := logging.New(logging.Config{Level: "warn"})
	if err != nil {
		return nil, err
	}
	defer logger.Sync() //nolint:errcheck

	st, err := store.OpenLevelDB(dir, true, logger)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	length, err := st.Len(ctx)
	if err != nil {
		return nil, err
	}
	opts := ledger.Options{Length: length}
	if verifyFromCheckpoint {
		cp, err := st.Checkpoint(ctx)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			pterm.Info.Printfln("anchoring on checkpoint #%d asserted by %s", cp.Index, cp.AssertedBy)
			opts.From = cp.Index + 1
			opts.Anchor = &cp.Hash
			if opts.From >= length {
				pterm.Info.Println("no blocks after the checkpoint")
				return &ledger.Report{Valid: true, Complete: true, From: opts.From, To: cp.Index, Length: length, Anchored: true, StartedAt: time.Now().UTC()}, nil
			}
		}
	}
	if verifyFrom >= 0 {
		opts.From = uint64(verifyFrom)
	}
	if verifyTo >= 0 {
		to := uint64(verifyTo)
		opts.To = &to
	}

	return runWithProgress(ctx, opts, func(ctx context.Context, opts ledger.Options) (*ledger.Report, error) {
		return ledger.Verify(ctx, st, opts)
	})
}

func verifyArchiveFile(ctx context.Context, path string) (*ledger.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return runWithProgress(ctx, ledger.Options{}, func(ctx context.Context, opts ledger.Options) (*ledger.Report, error) {
		return archive.Verify(ctx, f, opts)
	})
}

// runWithProgress runs fn with a progress bar driven by Options.OnBlock.
func runWithProgress(ctx context.Context, opts ledger.Options, fn func(context.Context, ledger.Options) (*ledger.Report, error)) (*ledger.Report, error) {
	if verifyQuiet || opts.Length == 0 {
		// Without a known length there is nothing to size the bar against.
		return fn(ctx, opts)
	}
	total := opts.Length - opts.From
	if opts.To != nil && *opts.To < opts.Length {
		total = *opts.To + 1 - opts.From
	}
	pb, err := pterm.DefaultProgressbar.WithTotal(int(total)).WithTitle("verifying").Start()
	if err != nil {
		return fn(ctx, opts)
	}
	opts.OnBlock = func(uint64) { pb.Increment() }
	rep, err := fn(ctx, opts)
	_, _ = pb.Stop()
	return rep, err
}

func printReport(r *ledger.Report) {
	rows := pterm.TableData{
		{"Result", verdict(r)},
		{"Range", fmt.Sprintf("%d..%d of %d", r.From, r.To, r.Length)},
		{"Checked", strconv.FormatUint(r.Checked, 10)},
		{"Anchored", strconv.FormatBool(r.Anchored)},
		{"Duration", r.Duration.Round(time.Millisecond).String()},
	}
	_ = pterm.DefaultTable.WithData(rows).Render()
	switch {
	case !r.Valid && r.FirstFailureIndex != nil:
		pterm.Error.Printfln("chain broken at block %d: %s", *r.FirstFailureIndex, r.Reason)
	case !r.Complete:
		pterm.Warning.Println("verification did not finish; this is not a pass")
	default:
		pterm.Success.Println("chain intact")
	}
}

// ── checkpoint ───────────────────────────────────────────────────────────────

var checkpointSet int64

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Show or assert the trusted checkpoint",
	Long: `Without flags, print the current checkpoint. With --set N, assert block
N as trusted; this needs an admin token (see 'ledgerctl token').`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		var cp *ledger.Checkpoint
		if checkpointSet >= 0 {
			cp, err = c.SetCheckpoint(ctx, uint64(checkpointSet))
		} else {
			cp, err = c.Checkpoint(ctx)
		}
		if err != nil {
			return err
		}
		if cp == nil {
			pterm.Info.Println("no checkpoint asserted")
			return nil
		}
		return pterm.DefaultTable.WithData(pterm.TableData{
			{"Index", strconv.FormatUint(cp.Index, 10)},
			{"Hash", cp.Hash.String()},
			{"Asserted by", cp.AssertedBy},
			{"Asserted at", cp.AssertedAt.Format(time.RFC3339)},
		}).Render()
	},
}

func init() {
	checkpointCmd.Flags().Int64Var(&checkpointSet, "set", -1, "assert this block index as the checkpoint")
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenOperator string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Exchange the admin secret for an admin token",
	Long: `Reads the admin secret from MEDLEDGER_ADMIN_SECRET (or prompts for it)
and prints a short-lived admin token. Export it as MEDLEDGER_TOKEN to use it
with checkpoint --set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("MEDLEDGER_ADMIN_SECRET")
		if secret == "" {
			var err error
			secret, err = pterm.DefaultInteractiveTextInput.WithMask("*").Show("Admin secret")
			if err != nil {
				return err
			}
		}
		if tokenOperator == "" {
			tokenOperator = os.Getenv("USER")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		tok, exp, err := c.AdminToken(ctx, secret, tokenOperator)
		if err != nil {
			return err
		}
		pterm.Info.Printfln("token for %s expires %s", tokenOperator, exp.Local().Format(time.RFC3339))
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "", "operator name recorded on checkpoints (default $USER)")
}

// discard is used where a store needs a logger but the CLI has nothing to say.
var discard = zap.NewNop()
