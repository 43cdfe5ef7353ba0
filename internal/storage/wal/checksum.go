package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Seq + Type + JobID + Job payload。
// 不包含 Timestamp。
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], event.Seq)
	h.Write(seq[:])
	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write([]byte(event.JobID))
	h.Write([]byte{0})
	h.Write(event.Job)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
