// Package store keeps versioned JSON documents in memory and persists them
// to disk with debounced, coalesced writes.
//
// A [Store] owns one file. [Open] loads it through a [schema.Chain],
// upgrading older documents to the latest version. [Store.Update] merges a
// patch, validates the result and makes it visible immediately; the disk
// write happens later through a [Writer], which batches every update made
// within its interval into one write of the newest value.
//
// Example:
//
//	w := store.NewWriter(fs.NewReal(), store.DefaultWriterConfig())
//
//	ui, err := store.Open(ctx, "data/ui.json", uiChain, defaults, store.WithWriter(w))
//	if err != nil {
//	    return err
//	}
//	defer ui.Close()
//
//	_, err = ui.Update(schema.Document{"sidebar": schema.Document{"hidden": true}})
//
// Call [Store.Close] or [Writer.FlushAll] before exiting; updates still
// pending in the writer are otherwise lost.
package store
