/*
Package waytable maps 64-bit way IDs to sequences of projected coordinates,
for use while converting large map extracts. Stores are filled once, by many
concurrent writers, and then finalized into a read-only, binary searchable
form backed by memory-mapped regions.

Stores

A BinarySearchStore appends entries in arrival order and sorts them on
Finalize. A ShardedStore splits the keyspace across independent stores, so
writers of different shards never contend and shards can be finalized in
parallel with FinalizeAll. A ResolvingStore accepts ways as node references
and resolves them against a PointStore when a shard is finalized.

Data Structure Documentation

Storage

Each leaf store owns an index region and a data region. The index starts
with a fixed header followed by fixed-size slots, which are sorted in place
on Finalize.

    Index layout:
    +---------------+--------+--------+-----+--------+
    | header (64)   | slot 1 | slot 2 | ... | slot n |
    +---------------+--------+--------+-----+--------+

    Header:
    +-------------+---------------+-------------+-------------+
    | magic (8)   | version (4)   | flags (4)   | count (8)   |
    +-------------+---------------+-------------+-------------+
    | datalen (8) | crc32c (4)    | unused (4)  | probe (8)   |
    +-------------+---------------+-------------+-------------+

    Slot:
    +----------------------+--------------------------+
    | way ID (8, native)   | data offset (8, native)  |
    +----------------------+--------------------------+

    Data record:
    +-----------------------+-------------------+
    | payload len (varint)  | payload (varlen)  |
    +-----------------------+-------------------+

Payload

A payload starts with a codec byte. Plain payloads hold the body directly,
compressed payloads are prefixed with the plain length.

    Plain payload:
    +---------------+------------------+--------------------------------+
    | codec (1, 0)  | count (varint)   | latp/lon deltas (zigzag varint) |
    +---------------+------------------+--------------------------------+

    Compressed payload:
    +---------------+--------------------+----------------------+
    | codec (1)     | plain len (varint) | compressed (varlen)  |
    +---------------+--------------------+----------------------+

Pending records of a ResolvingStore prefix a payload with a kind byte: 0 for
node IDs (delta varints), 1 for coordinates. Both kinds share one log per
shard and are replayed in insertion order.

Table

Finalized stores can be exported to tables. A table contains a series of
data blocks followed by an index and a footer.

    Table layout:
    +---------+---------+---------+-------------+--------------+
    | block 1 |   ...   | block n | block index | table footer |
    +---------+---------+---------+-------------+--------------+

    Block index:
    +----------------------------+--------------------+----------------------------------+--------------------------+--------+
    | last way block 1 (varint)  |  offset 1 (varint) | last way block 2 (varint,delta)  |  offset 2 (varint,delta) |   ...  |
    +----------------------------+--------------------+----------------------------------+--------------------------+--------+

    Table footer:
    +------------------------+------------------+
    | index offset (8 bytes) |  magic (8 bytes) |
    +------------------------+------------------+

A block comprises of a series of sections, followed by a section index and
a compression trailer. Compressed blocks store the plain length in four
bytes ahead of the codec byte.

    Block layout:
    +-----------+---------+-----------+---------------+------------------------------+
    | section 1 |   ...   | section n | section index | plain len (4) + codec (1)    |
    +-----------+---------+-----------+---------------+------------------------------+

A section is a series of way/payload pairs where the first way ID is stored as a full uint64 while
subsequent IDs are delta encoded.

    +---------------+------------------------+--------------------+-----------------------+-------+
    | way 1 (varint)| payload len 1 (varint) | payload 1 (varlen) | way 2 (varint,delta)  |  ...  |
    +---------------+------------------------+--------------------+-----------------------+-------+
*/
package waytable
