/*
Package plfsio implements a write-optimized, log-structured, indexed
directory store. Many producers each append a stream of small
key/value records, grouped into epochs, and the records are later
queried by key across all epochs. Every directory partition keeps two
append-only logs: a data log holding value blocks and an index log
holding block indexes, bloom filters, a meta index and a trailing
footer.

Data Structure Documentation

Data log

The data log is a plain concatenation of data blocks. When block
padding is enabled each stored block occupies exactly BlockSize bytes.

	Data log layout:
	+---------+---------+---------+
	| block 1 |   ...   | block n |
	+---------+---------+---------+

Index log

The index log holds, for every table, an index block optionally
followed by a filter block. After the last table comes the meta index
block, optional zero padding, and a fixed-length footer.

	Index log layout:
	+-----------+------------+-------+------------+---------+--------+
	| indexes 1 | filter 1   |  ...  | meta index | padding | footer |
	+-----------+------------+-------+------------+---------+--------+

	Footer (32 bytes):
	+-------------------------------+---------------------+-----------------+
	| meta index handle (20 bytes)  | num epochs (4 bytes)| magic (8 bytes) |
	+-------------------------------+---------------------+-----------------+

Block

A block is a series of key/value entries with shared-prefix
compression, followed by a restart offset array, a restart count, and
a 5-byte trailer. Zero padding, when requested, sits between the
trailer and the end of the stored block.

	Block layout:
	+---------+---------------------------+--------------------------+---------+---------+
	| entries | restart offsets (4b each) | restart count (4 bytes)  | trailer | padding |
	+---------+---------------------------+--------------------------+---------+---------+

	Trailer:
	+---------------------------+---------------------------+
	| compression type (1 byte) | masked crc32c (4 bytes)   |
	+---------------------------+---------------------------+

Entry

Every restart point stores its key in full; entries in between only
store the suffix that differs from the previous key.

	+----------------------+--------------------------+----------------------+------------------+-----------------+
	| shared len (varint)  | non-shared len (varint)  | value len (varint)   | key suffix       | value           |
	+----------------------+--------------------------+----------------------+------------------+-----------------+

Filter block

A filter block is a bloom filter bit array followed by a single byte
holding the number of probes, finished with the standard trailer.
*/
package plfsio
