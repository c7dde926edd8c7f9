package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/oklog/ulid/v2"
	dsextensions "github.com/textileio/go-datastore-extensions"
	golog "github.com/textileio/go-log/v2"

	"github.com/gavelhouse/gaveld/lib/auction"
	"github.com/gavelhouse/gaveld/lib/dshelper/txndswrap"
	"github.com/gavelhouse/gaveld/service/engine"
)

const (
	// defaultListLimit is the default list page size.
	defaultListLimit = 10
	// maxListLimit is the max list page size.
	maxListLimit = 1000
)

var (
	log = golog.Logger("gaveld/store")

	// ErrOfferNotFound indicates the requested offer was not found.
	ErrOfferNotFound = errors.New("offer not found")

	// ErrSnapshotNotFound indicates no auction snapshot has been saved yet.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// dsOffersPrefix is the prefix for offer records.
	// Structure: /offers/<offer_id> -> OfferRecord.
	dsOffersPrefix = ds.NewKey("/offers")

	// dsSeqPrefix maps zero-padded log indexes to offer ids.
	// Structure: /offer_seq/<index> -> offer_id.
	dsSeqPrefix = ds.NewKey("/offer_seq")

	// dsSnapshotKey holds the latest auction snapshot.
	// Structure: /auction/snapshot -> engine.State.
	dsSnapshotKey = ds.NewKey("/auction/snapshot")
)

// OfferRecord is a persisted offer-log entry. Amount is the increment added
// by that bid, not the bidder's new cumulative total.
type OfferRecord struct {
	ID         auction.OfferID
	Index      int
	Bidder     auction.AccountID
	Amount     *big.Int
	ReceivedAt time.Time
	CreatedAt  time.Time
}

// Store persists the offer log and the auction snapshot.
type Store struct {
	store txndswrap.TxnDatastore

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStore returns a new Store.
func NewStore(store txndswrap.TxnDatastore) (*Store, error) {
	if store == nil {
		return nil, fmt.Errorf("datastore is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{store: store, ctx: ctx, cancel: cancel}, nil
}

// Close the store.
func (s *Store) Close() error {
	s.cancel()
	return nil
}

// SaveOffer persists an accepted offer under its ULID and records the
// index -> id mapping in the same transaction.
func (s *Store) SaveOffer(offer auction.Offer) error {
	if err := validate(offer); err != nil {
		return fmt.Errorf("invalid offer data: %s", err)
	}

	r := &OfferRecord{
		ID:         offer.ID,
		Index:      offer.Index,
		Bidder:     offer.Bidder,
		Amount:     new(big.Int).Set(offer.Amount),
		ReceivedAt: offer.Time,
		CreatedAt:  time.Now(),
	}
	val, err := encode(r)
	if err != nil {
		return fmt.Errorf("encoding offer: %v", err)
	}

	txn, err := s.store.NewTransaction(s.ctx, false)
	if err != nil {
		return fmt.Errorf("creating txn: %v", err)
	}
	defer txn.Discard(s.ctx)

	if err := txn.Put(s.ctx, dsOffersPrefix.ChildString(string(r.ID)), val); err != nil {
		return fmt.Errorf("putting offer: %v", err)
	}
	if err := txn.Put(s.ctx, dsSeqPrefix.ChildString(seqKey(r.Index)), []byte(r.ID)); err != nil {
		return fmt.Errorf("putting offer index: %v", err)
	}
	if err := txn.Commit(s.ctx); err != nil {
		return fmt.Errorf("committing txn: %v", err)
	}
	log.Debugf("saved offer %s (index %d)", r.ID, r.Index)
	return nil
}

func validate(o auction.Offer) error {
	if o.ID == "" {
		return errors.New("id is empty")
	}
	if o.Bidder == "" {
		return errors.New("bidder is empty")
	}
	if o.Amount == nil || o.Amount.Sign() <= 0 {
		return errors.New("amount must be greater than zero")
	}
	if o.Index < 0 {
		return errors.New("index is negative")
	}
	return nil
}

// GetOffer returns an offer by id. If no offer is found, ErrOfferNotFound
// is returned.
func (s *Store) GetOffer(id auction.OfferID) (*OfferRecord, error) {
	val, err := s.store.Get(s.ctx, dsOffersPrefix.ChildString(string(id)))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrOfferNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting offer: %v", err)
	}
	r, err := decode(val)
	if err != nil {
		return nil, fmt.Errorf("decoding offer: %v", err)
	}
	return r, nil
}

// GetOfferByIndex returns an offer by its log index.
func (s *Store) GetOfferByIndex(index int) (*OfferRecord, error) {
	if index < 0 {
		return nil, ErrOfferNotFound
	}
	id, err := s.store.Get(s.ctx, dsSeqPrefix.ChildString(seqKey(index)))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrOfferNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting offer index: %v", err)
	}
	return s.GetOffer(auction.OfferID(id))
}

// Order specifies the order of list results.
type Order int

const (
	// OrderDescending orders results descending.
	OrderDescending Order = iota
	// OrderAscending orders results ascending.
	OrderAscending
)

// Query is used to query for offers.
type Query struct {
	Offset string
	Order  Order
	Limit  int
}

func (q Query) setDefaults() Query {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	} else if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	return q
}

// ListOffers lists offers by applying a Query. Offers are keyed by ULID, so
// key order is chronological.
func (s *Store) ListOffers(query Query) ([]*OfferRecord, error) {
	query = query.setDefaults()

	var (
		order dsq.Order
		seek  string
		limit = query.Limit
	)

	if len(query.Offset) != 0 {
		seek = dsOffersPrefix.ChildString(query.Offset).String()
		limit++
	}

	switch query.Order {
	case OrderDescending:
		order = dsq.OrderByKeyDescending{}
		if len(seek) == 0 {
			// Seek to largest possible key and descend from there
			seek = dsOffersPrefix.ChildString(
				strings.ToLower(ulid.MustNew(ulid.MaxTime(), nil).String())).String()
		}
	case OrderAscending:
		order = dsq.OrderByKey{}
	}

	results, err := s.store.QueryExtended(dsextensions.QueryExt{
		Query: dsq.Query{
			Prefix: dsOffersPrefix.String(),
			Orders: []dsq.Order{order},
			Limit:  limit,
		},
		SeekPrefix: seek,
	})
	if err != nil {
		return nil, fmt.Errorf("querying offers: %v", err)
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Errorf("closing results: %v", err)
		}
	}()

	var list []*OfferRecord
	for res := range results.Next() {
		if res.Error != nil {
			return nil, fmt.Errorf("getting next result: %v", res.Error)
		}
		r, err := decode(res.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding value: %v", err)
		}
		list = append(list, r)
	}

	// Remove seek from list
	if len(query.Offset) != 0 && len(list) > 0 {
		list = list[1:]
	}

	return list, nil
}

// SaveSnapshot persists the auction snapshot, replacing any previous one.
func (s *Store) SaveSnapshot(st *engine.State) error {
	if st == nil {
		return errors.New("state is nil")
	}
	val, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %v", err)
	}
	if err := s.store.Put(s.ctx, dsSnapshotKey, val); err != nil {
		return fmt.Errorf("putting snapshot: %v", err)
	}
	return nil
}

// GetSnapshot returns the latest auction snapshot, or ErrSnapshotNotFound if
// none was saved.
func (s *Store) GetSnapshot() (*engine.State, error) {
	val, err := s.store.Get(s.ctx, dsSnapshotKey)
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrSnapshotNotFound
	} else if err != nil {
		return nil, fmt.Errorf("getting snapshot: %v", err)
	}
	st, err := decodeState(val)
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot: %v", err)
	}
	return st, nil
}

// seqKey zero-pads indexes so key order matches numeric order.
func seqKey(index int) string {
	return fmt.Sprintf("%020d", index)
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(v []byte) (r *OfferRecord, err error) {
	dec := gob.NewDecoder(bytes.NewReader(v))
	if err := dec.Decode(&r); err != nil {
		return r, err
	}
	return r, nil
}

func encodeState(st *engine.State) ([]byte, error) {
	return encode(st)
}

func decodeState(v []byte) (st *engine.State, err error) {
	dec := gob.NewDecoder(bytes.NewReader(v))
	if err := dec.Decode(&st); err != nil {
		return st, err
	}
	return st, nil
}
