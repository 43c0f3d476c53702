// Package ring implements the per-direction DMA descriptor ring used by the
// SPI half-duplex slave engine.
//
// A ring is a fixed array of descriptors allocated once when the slot is
// initialised and reused cyclically for its whole life. Software fills free
// slots and hands them to the DMA engine by setting the owner flag, the DMA
// engine hands them back by clearing it. The ring itself only does the
// bookkeeping: how many slots are in use and where the next write goes. It is
// not safe for concurrent use, callers wrap every mutation in their own
// critical section.
package ring
