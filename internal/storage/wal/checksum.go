package wal

import "hash/crc32"

// calculateChecksum covers the fields that matter for replay ordering
// and identity; Timestamp is excluded since recovery doesn't need it
// to agree bit-for-bit with the original write.
func calculateChecksum(recordType, correlationID string, seq uint64) uint32 {
	data := recordType + correlationID + string(rune(seq))
	return crc32.ChecksumIEEE([]byte(data))
}

// verifyChecksum reports whether r's stored checksum matches its
// recomputed value.
func verifyChecksum(r Record) bool {
	return r.Checksum == calculateChecksum(r.Type, r.CorrelationID, r.Seq)
}
