package txndswrap

import (
	ds "github.com/ipfs/go-datastore"
	dsextensions "github.com/textileio/go-datastore-extensions"
)

// TxnDatastore is a transactional datastore supporting seek-based extended
// queries.
type TxnDatastore interface {
	ds.TxnDatastore
	dsextensions.DatastoreExtensions
}
