// Package hefield stores sensitive relational fields as homomorphic
// ciphertexts so that sums, averages and comparisons work on encrypted data.
//
// Numeric fields are encrypted under CKKS and string fields under BFV, one
// Unicode code point per slot. Both use lattigo. When no usable context is
// available the package falls back to a tagged symmetric codec and keeps
// working; fallback values are migrated to HE by Reencrypt or the Backfiller.
//
// # Contexts
//
// A ContextStore loads or creates the key material in a BlobStore
// (FileBlobStore, MemoryBlobStore or RedisBlobStore):
//
//	blobs, err := hefield.NewFileBlobStore("/var/lib/app/keys")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := hefield.NewContextStore(blobs, hefield.WithLogger(logger))
//	store.Initialize(ctx)
//
// Initialize never fails. It loads private_key.dat, otherwise creates a new
// key set, otherwise switches to the fallback codec. Mode reports which.
//
// # Values
//
// A FieldRegistry names the sensitive fields and their value types:
//
//	registry, _ := hefield.NewFieldRegistry(map[string]string{
//	    "traders.email":    "string",
//	    "accounts.balance": "numeric",
//	})
//	codec := hefield.NewValueCodec(store, registry)
//
//	ct := codec.Encrypt(1250.75, "accounts.balance")
//	v, err := codec.DecryptFloat(ct, "accounts.balance")
//
// NULL is preserved: Encrypt(nil) returns nil and Decrypt(nil) returns nil, nil.
// Numeric values decrypt rounded to two decimals.
//
// # Arithmetic
//
// HomomorphicArithmetic adds, subtracts, scales and aggregates ciphertexts
// without decrypting them. Compare decrypts the difference of two ciphertexts
// with the secret key, so comparisons require a key holder.
//
// # Queries
//
// SecureQueryExecutor runs SELECT, INSERT, UPDATE and DELETE against a Store
// (see package sqlstore). Each sensitive field is stored in a
// {field}_encrypted column created on first use by SchemaEvolution:
//
//	exec := hefield.NewSecureQueryExecutor(db, registry, codec, hefield.NewHomomorphicArithmetic(codec))
//	rows, err := exec.Select(ctx, hefield.SelectQuery{
//	    Tables:     []string{"traders"},
//	    Conditions: []hefield.Condition{hefield.Where("traders", "email", hefield.OpEq, "alice@example.com")},
//	})
//
// Conditions on sensitive fields are evaluated after decryption, in process.
// UPDATE and DELETE with such conditions select the matching ids first.
package hefield
