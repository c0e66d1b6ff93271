package feekv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register bdb driver.
	"github.com/lightninglabs/fedwallet/fees"
	"github.com/lightninglabs/fedwallet/ledger"
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// dbDriver is the walletdb driver backing the store.
	dbDriver = "bdb"

	// DefaultDBName is the file name of the bolt database.
	DefaultDBName = "fees.db"

	// DefaultDBTimeout is the time to wait for the file lock of the
	// database before giving up.
	DefaultDBTimeout = 10 * time.Second
)

var (
	// feeLedgerBucket is the top level bucket of the fee ledger.
	feeLedgerBucket = []byte("fee-ledger")

	// statusBucket maps an operation id to its TLV encoded fee status.
	statusBucket = []byte("fee-status")

	// counterBucket maps a (kind, module, direction) key to a big endian
	// msat amount.
	counterBucket = []byte("fee-counters")

	// remittanceBucket maps a payment's operation id to its TLV encoded
	// remittance record.
	remittanceBucket = []byte("fee-remittances")

	// ErrReadOnlyTx is returned if a write is attempted in a read-only
	// transaction.
	ErrReadOnlyTx = errors.New("write in read-only transaction")

	// ErrCorruptLedger is returned if the buckets of the fee ledger are
	// missing.
	ErrCorruptLedger = errors.New("fee ledger buckets not found")
)

// Config holds the options of the bolt backed fee store.
//
//nolint:lll
type Config struct {
	DBPath         string        `long:"dbpath" description:"The directory the bolt database is stored in."`
	NoFreelistSync bool          `long:"nofreelistsync" description:"Whether the freelist is written to disk on every commit."`
	DBTimeout      time.Duration `long:"dbtimeout" description:"The time to wait for the database file lock."`
}

// Store is a fee store backed by a bolt database through walletdb. Bolt runs
// at most one write transaction at a time, so transactions never conflict
// and are not retried.
type Store struct {
	cfg *Config

	db walletdb.DB
}

// A compile time assertion to ensure Store meets the fees.BatchedFeeStore
// interface.
var _ fees.BatchedFeeStore = (*Store)(nil)

// Open opens or creates the bolt database in the configured directory and
// makes sure the buckets of the fee ledger exist.
func Open(cfg *Config) (*Store, error) {
	timeout := cfg.DBTimeout
	if timeout == 0 {
		timeout = DefaultDBTimeout
	}

	if err := os.MkdirAll(cfg.DBPath, 0700); err != nil {
		return nil, err
	}

	dbFile := filepath.Join(cfg.DBPath, DefaultDBName)
	log.Infof("Opening bolt fee store at %v", dbFile)

	db, err := walletdb.Create(
		dbDriver, dbFile, cfg.NoFreelistSync, timeout,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open fee store: %w", err)
	}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		root, err := tx.CreateTopLevelBucket(feeLedgerBucket)
		if err != nil {
			return err
		}

		for _, bucket := range [][]byte{
			statusBucket, counterBucket, remittanceBucket,
		} {
			_, err := root.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to create fee buckets: %w", err)
	}

	return &Store{
		cfg: cfg,
		db:  db,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ExecTx runs the body in a single bolt transaction.
func (s *Store) ExecTx(ctx context.Context, txOptions fees.TxOptions,
	txBody func(fees.FeeStore) error) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	if txOptions.ReadOnly() {
		return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
			root := tx.ReadBucket(feeLedgerBucket)
			if root == nil {
				return ErrCorruptLedger
			}

			return txBody(&kvTx{read: root})
		})
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(feeLedgerBucket)
		if root == nil {
			return ErrCorruptLedger
		}

		return txBody(&kvTx{read: root, write: root})
	})
}

// kvTx is the fees.FeeStore view of a single bolt transaction. write is nil
// for read-only transactions.
type kvTx struct {
	read  walletdb.ReadBucket
	write walletdb.ReadWriteBucket
}

// A compile time assertion to ensure kvTx meets the fees.FeeStore interface.
var _ fees.FeeStore = (*kvTx)(nil)

func (t *kvTx) readBucket(name []byte) (walletdb.ReadBucket, error) {
	bucket := t.read.NestedReadBucket(name)
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptLedger, name)
	}

	return bucket, nil
}

func (t *kvTx) writeBucket(name []byte) (walletdb.ReadWriteBucket, error) {
	if t.write == nil {
		return nil, ErrReadOnlyTx
	}

	bucket := t.write.NestedReadWriteBucket(name)
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptLedger, name)
	}

	return bucket, nil
}

func (t *kvTx) putStatus(rec *fees.StatusRecord) error {
	bucket, err := t.writeBucket(statusBucket)
	if err != nil {
		return err
	}

	var b bytes.Buffer
	if err := encodeStatus(&b, rec); err != nil {
		return err
	}

	return bucket.Put(rec.Op[:], b.Bytes())
}

func (t *kvTx) FetchFeeStatus(_ context.Context,
	op ledger.OperationID) (*fees.StatusRecord, error) {

	bucket, err := t.readBucket(statusBucket)
	if err != nil {
		return nil, err
	}

	v := bucket.Get(op[:])
	if v == nil {
		return nil, fees.ErrFeeStatusNotFound
	}

	rec, _, err := decodeStatus(op, bytes.NewReader(v))
	return rec, err
}

func (t *kvTx) InsertFeeStatus(ctx context.Context,
	rec *fees.StatusRecord) error {

	_, err := t.FetchFeeStatus(ctx, rec.Op)
	switch {
	case err == nil:
		return fees.ErrFeeStatusExists

	case !errors.Is(err, fees.ErrFeeStatusNotFound):
		return err
	}

	return t.putStatus(rec)
}

func (t *kvTx) UpdateFeeStatus(ctx context.Context, op ledger.OperationID,
	status fees.Status, updatedAt time.Time) error {

	rec, err := t.FetchFeeStatus(ctx, op)
	if err != nil {
		return err
	}

	rec.Status = status
	rec.UpdatedAt = updatedAt

	return t.putStatus(rec)
}

func (t *kvTx) ListFeeStatuses(_ context.Context,
	pendingOnly bool) ([]fees.StatusRecord, error) {

	bucket, err := t.readBucket(statusBucket)
	if err != nil {
		return nil, err
	}

	var records []fees.StatusRecord
	err = bucket.ForEach(func(k, v []byte) error {
		var op ledger.OperationID
		if len(k) != len(op) {
			return fmt.Errorf("invalid operation id %x", k)
		}
		copy(op[:], k)

		rec, _, err := decodeStatus(op, bytes.NewReader(v))
		if err != nil {
			return err
		}
		if pendingOnly && !rec.Status.IsPending() {
			return nil
		}
		records = append(records, *rec)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})

	return records, nil
}

func (t *kvTx) FetchCounter(_ context.Context, kind fees.CounterKind,
	pair fees.Pair) (lnwire.MilliSatoshi, error) {

	bucket, err := t.readBucket(counterBucket)
	if err != nil {
		return 0, err
	}

	v := bucket.Get(counterKey(kind, pair))
	if v == nil {
		return 0, nil
	}

	return decodeAmount(v)
}

func (t *kvTx) UpsertCounter(_ context.Context, kind fees.CounterKind,
	pair fees.Pair, amt lnwire.MilliSatoshi) error {

	bucket, err := t.writeBucket(counterBucket)
	if err != nil {
		return err
	}

	return bucket.Put(counterKey(kind, pair), encodeAmount(amt))
}

func (t *kvTx) ListCounters(context.Context) ([]fees.CounterRecord, error) {
	bucket, err := t.readBucket(counterBucket)
	if err != nil {
		return nil, err
	}

	var records []fees.CounterRecord
	err = bucket.ForEach(func(k, v []byte) error {
		kind, pair, err := parseCounterKey(k)
		if err != nil {
			return err
		}
		amt, err := decodeAmount(v)
		if err != nil {
			return err
		}

		records = append(records, fees.CounterRecord{
			Kind:   kind,
			Pair:   pair,
			Amount: amt,
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

func (t *kvTx) putRemittance(rem *fees.Remittance) error {
	bucket, err := t.writeBucket(remittanceBucket)
	if err != nil {
		return err
	}

	var b bytes.Buffer
	if err := encodeRemittance(&b, rem); err != nil {
		return err
	}

	return bucket.Put(rem.Op[:], b.Bytes())
}

func (t *kvTx) InsertRemittance(ctx context.Context,
	rem *fees.Remittance) error {

	_, err := t.FetchRemittance(ctx, rem.Op)
	switch {
	case err == nil:
		return fees.ErrRemittanceExists

	case !errors.Is(err, fees.ErrRemittanceNotFound):
		return err
	}

	return t.putRemittance(rem)
}

func (t *kvTx) FetchRemittance(_ context.Context,
	op ledger.OperationID) (*fees.Remittance, error) {

	bucket, err := t.readBucket(remittanceBucket)
	if err != nil {
		return nil, err
	}

	v := bucket.Get(op[:])
	if v == nil {
		return nil, fees.ErrRemittanceNotFound
	}

	rem, _, err := decodeRemittance(op, bytes.NewReader(v))
	return rem, err
}

func (t *kvTx) UpdateRemittance(ctx context.Context, op ledger.OperationID,
	state fees.RemittanceState, updatedAt time.Time) error {

	rem, err := t.FetchRemittance(ctx, op)
	if err != nil {
		return err
	}

	rem.State = state
	rem.UpdatedAt = updatedAt

	return t.putRemittance(rem)
}

func (t *kvTx) ListRemittances(_ context.Context,
	pendingOnly bool) ([]fees.Remittance, error) {

	bucket, err := t.readBucket(remittanceBucket)
	if err != nil {
		return nil, err
	}

	var remittances []fees.Remittance
	err = bucket.ForEach(func(k, v []byte) error {
		var op ledger.OperationID
		if len(k) != len(op) {
			return fmt.Errorf("invalid operation id %x", k)
		}
		copy(op[:], k)

		rem, _, err := decodeRemittance(op, bytes.NewReader(v))
		if err != nil {
			return err
		}
		if pendingOnly && rem.State != fees.RemittancePending {
			return nil
		}
		remittances = append(remittances, *rem)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(remittances, func(i, j int) bool {
		return remittances[i].CreatedAt.Before(remittances[j].CreatedAt)
	})

	return remittances, nil
}
