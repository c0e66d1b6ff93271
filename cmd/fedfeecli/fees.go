package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/urfave/cli"
)

var feeCommands = []cli.Command{
	countersCommand,
	statusCommand,
	unresolvedCommand,
	remittancesCommand,
}

// counterJSON is the printed form of the counters of one pair.
type counterJSON struct {
	Module       string `json:"module"`
	Direction    string `json:"direction"`
	Pending      uint64 `json:"pending_msat"`
	Outstanding  uint64 `json:"outstanding_msat"`
	TotalAccrued uint64 `json:"total_accrued_msat"`
}

type countersJSON struct {
	Pairs            []counterJSON `json:"pairs"`
	TotalPending     uint64        `json:"total_pending_msat"`
	TotalOutstanding uint64        `json:"total_outstanding_msat"`
	TotalAccrued     uint64        `json:"total_accrued_msat"`
}

// marshalCounters orders the pairs by module and direction so the output is
// stable.
func marshalCounters(set fees.CounterSet) *countersJSON {
	pairs := make([]fees.Pair, 0, len(set))
	for pair := range set {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Module != pairs[j].Module {
			return pairs[i].Module < pairs[j].Module
		}
		return pairs[i].Direction < pairs[j].Direction
	})

	resp := &countersJSON{
		Pairs:            make([]counterJSON, 0, len(pairs)),
		TotalPending:     uint64(set.TotalPending()),
		TotalOutstanding: uint64(set.TotalOutstanding()),
		TotalAccrued:     uint64(set.TotalAccrued()),
	}
	for _, pair := range pairs {
		c := set[pair]
		resp.Pairs = append(resp.Pairs, counterJSON{
			Module:       pair.Module.String(),
			Direction:    pair.Direction.String(),
			Pending:      uint64(c.Pending),
			Outstanding:  uint64(c.Outstanding),
			TotalAccrued: uint64(c.TotalAccrued),
		})
	}

	return resp
}

var countersCommand = cli.Command{
	Name:   "counters",
	Usage:  "show the fee counters of every pair",
	Action: counters,
}

func counters(ctx *cli.Context) error {
	feeLedger, cleanUp, err := getLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	set, err := feeLedger.Counters(context.Background())
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, marshalCounters(set))
}

// statusJSON is the printed form of an operation's fee status.
type statusJSON struct {
	OperationID string `json:"operation_id"`
	Module      string `json:"module"`
	Direction   string `json:"direction"`
	Status      string `json:"status"`
	Fee         uint64 `json:"fee_msat,omitempty"`
	PPM         uint64 `json:"ppm,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

func marshalStatus(rec *fees.StatusRecord) *statusJSON {
	return &statusJSON{
		OperationID: rec.Op.String(),
		Module:      rec.Pair.Module.String(),
		Direction:   rec.Pair.Direction.String(),
		Status:      rec.Status.Kind.String(),
		Fee:         uint64(rec.Status.Fee),
		PPM:         rec.Status.PPM,
		UpdatedAt:   rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

var statusCommand = cli.Command{
	Name:      "status",
	Usage:     "show the fee status of an operation",
	ArgsUsage: "operation_id",
	Action:    feeStatus,
}

func feeStatus(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "status")
	}

	op, err := ledger.NewOperationIDFromStr(ctx.Args().First())
	if err != nil {
		return err
	}

	feeLedger, cleanUp, err := getLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	rec, err := feeLedger.FeeStatus(context.Background(), op)
	switch {
	case errors.Is(err, fees.ErrFeeStatusNotFound):
		return fmt.Errorf("operation %v carries no fee", op)

	case err != nil:
		return err
	}

	return printJSON(ctx.App.Writer, marshalStatus(rec))
}

var unresolvedCommand = cli.Command{
	Name:   "unresolved",
	Usage:  "list the operations whose fee is still pending",
	Action: unresolved,
}

func unresolved(ctx *cli.Context) error {
	feeLedger, cleanUp, err := getLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	ops, err := feeLedger.UnresolvedOperations(context.Background())
	if err != nil {
		return err
	}

	return printOperations(ctx.App.Writer, ops)
}

func printOperations(w io.Writer, ops []ledger.OperationID) error {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.String())
	}

	return printJSON(w, struct {
		Operations []string `json:"operations"`
	}{
		Operations: ids,
	})
}

// remittanceJSON is the printed form of a remittance record.
type remittanceJSON struct {
	OperationID string `json:"operation_id"`
	Module      string `json:"module"`
	Direction   string `json:"direction"`
	Amount      uint64 `json:"amount_msat"`
	State       string `json:"state"`
}

var remittancesCommand = cli.Command{
	Name:  "remittances",
	Usage: "list the payouts of earned fees",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "pending",
			Usage: "only list remittances still in flight",
		},
	},
	Action: remittances,
}

func remittances(ctx *cli.Context) error {
	feeLedger, cleanUp, err := getLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	records, err := feeLedger.Remittances(
		context.Background(), ctx.Bool("pending"),
	)
	if err != nil {
		return err
	}

	resp := make([]remittanceJSON, 0, len(records))
	for _, r := range records {
		resp = append(resp, remittanceJSON{
			OperationID: r.Op.String(),
			Module:      r.Pair.Module.String(),
			Direction:   r.Pair.Direction.String(),
			Amount:      uint64(r.Amount),
			State:       r.State.String(),
		})
	}

	return printJSON(ctx.App.Writer, struct {
		Remittances []remittanceJSON `json:"remittances"`
	}{
		Remittances: resp,
	})
}
