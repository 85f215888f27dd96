/*
Package syncdb implements an embedded document database with replication,
on top of a key-value store (Bolt, or an in-memory store for tests).

We implement:

1. Collections of schemaless JSON-like documents, grouped into scopes.
Each save creates a new revision; deletions are tombstone revisions.

2. Value and array indexes over document properties, and a query engine
accepting JSON and N1QL-like queries (see package querylang).

3. A change feed ordered by a database-wide sequence, and PutRevision to
apply revisions received from a peer (see package replicator).

4. Change listeners for databases, collections and documents, delivered on
a single notification goroutine or buffered until the owner asks for them.

# Technical Details

**Buckets.**
Each collection gets a root bucket named after its never-reused numeric ID
("c1", "c2", ...), holding:

  - docs: document ID => msgpack record of the current revision;
  - seq: big-endian sequence => document ID, one entry per document;
  - exp: big-endian expiration (unix ms) + document ID => empty;
  - i/<name>: one bucket per index.

The "meta" bucket holds the database UUID, the last sequence and the next
collection ID. The "colls" bucket maps "scope.name" to the collection state
(its ID and index definitions). The "checkpoints" bucket holds replicator
checkpoints.

**Revision IDs** are "<generation>-<digest>", where the digest hashes the
parent revision, the deleted flag and the body. A record keeps up to 20
ancestor revision IDs, newest first.

**Index entries** are keys without values: the collation keys of the
indexed values, then the document ID, then the document ID length as a
big-endian uint16. Collation keys sort in query order, so range scans are
plain cursor scans.
*/
package syncdb
