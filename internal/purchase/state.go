package purchase

import (
	"maps"
	"slices"
	"strconv"
	"time"
)

// Clone returns a deep copy of the state. Child tasks always work on a
// clone so the owning task is the only writer of its state.
func (ds *DownloadState) Clone() *DownloadState {
	c := *ds
	c.Ware = ds.Ware.Clone()
	c.Contract = ds.Contract.Clone()
	c.Preferences.Sellers = slices.Clone(ds.Preferences.Sellers)

	c.Progress = make(map[FileID]*FileProgress, len(ds.Progress))
	for id, fp := range ds.Progress {
		c.Progress[id] = fp.Clone()
	}

	c.ActiveSellers = make(map[string]int, len(ds.ActiveSellers))
	maps.Copy(c.ActiveSellers, ds.ActiveSellers)

	c.Blacklist = make(map[string]BlacklistEntry, len(ds.Blacklist))
	maps.Copy(c.Blacklist, ds.Blacklist)

	return &c
}

// Clone returns a deep copy of the file progress.
func (fp *FileProgress) Clone() *FileProgress {
	c := *fp
	c.FileInfo = fp.FileInfo.Clone()
	c.SellerPool = fp.SellerPool.Clone()

	c.SellerData = make(map[string]SellerData, len(fp.SellerData))
	for k, sd := range fp.SellerData {
		c.SellerData[k] = sd.Clone()
	}

	c.Sellers = make(map[string]Seller, len(fp.Sellers))
	maps.Copy(c.Sellers, fp.Sellers)

	c.Unassigned = slices.Clone(fp.Unassigned)
	c.Assigned = clonePieceMap(fp.Assigned)
	c.Downloaded = clonePieceMap(fp.Downloaded)

	return &c
}

func clonePieceMap(m map[string][]FilePiece) map[string][]FilePiece {
	c := make(map[string][]FilePiece, len(m))
	for k, v := range m {
		c[k] = slices.Clone(v)
	}

	return c
}

func (fi FileInfo) Clone() FileInfo {
	fi.Pieces = slices.Clone(fi.Pieces)
	return fi
}

func (w Ware) Clone() Ware {
	infos := make([]FileInfo, 0, len(w.FileInfos))
	for _, fi := range w.FileInfos {
		infos = append(infos, fi.Clone())
	}

	if w.FileInfos == nil {
		infos = nil
	}

	w.FileInfos = infos
	w.Payees = slices.Clone(w.Payees)

	return w
}

func (m Media) Clone() Media {
	m.Payees = slices.Clone(m.Payees)
	m.PiecePayees = slices.Clone(m.PiecePayees)

	return m
}

func (cs ContractSection) Clone() ContractSection {
	cs.Ware = cs.Ware.Clone()
	return cs
}

func (c Contract) Clone() Contract {
	c.Media = c.Media.Clone()

	if c.Sections != nil {
		sections := make(map[string][]ContractSection, len(c.Sections))
		for k, list := range c.Sections {
			cloned := make([]ContractSection, 0, len(list))
			for _, cs := range list {
				cloned = append(cloned, cs.Clone())
			}

			sections[k] = cloned
		}

		c.Sections = sections
	}

	return c
}

func (sd SellerData) Clone() SellerData {
	sd.Section = sd.Section.Clone()
	return sd
}

func (sp SellerPool) Clone() SellerPool {
	sp.FileInfo = sp.FileInfo.Clone()

	if sp.SellerDataSet.Resources != nil {
		resources := make([]SellerData, 0, len(sp.SellerDataSet.Resources))
		for _, sd := range sp.SellerDataSet.Resources {
			resources = append(resources, sd.Clone())
		}

		sp.SellerDataSet.Resources = resources
	}

	return sp
}

// CountPieces returns the number of pieces across all section hashes.
func CountPieces(m map[string][]FilePiece) int {
	n := 0
	for _, pieces := range m {
		n += len(pieces)
	}

	return n
}

// Size returns the content size used for cost fractions. A zero content
// size falls back to the disk size.
func (fp *FileProgress) Size() int64 {
	if fp.FileInfo.ContentSize > 0 {
		return fp.FileInfo.ContentSize
	}

	return fp.FileInfo.Size
}

// AssignedPieces counts assigned pieces across all files.
func (ds *DownloadState) AssignedPieces() int {
	n := 0
	for _, fp := range ds.Progress {
		n += CountPieces(fp.Assigned)
	}

	return n
}

// HasUnassignedPieces reports whether any file still has pieces to hand out.
func (ds *DownloadState) HasUnassignedPieces() bool {
	for _, fp := range ds.Progress {
		if len(fp.Unassigned) > 0 {
			return true
		}
	}

	return false
}

// SortedFileIDs returns the file ids of the progress map in ascending order.
func (ds *DownloadState) SortedFileIDs() []FileID {
	ids := slices.Collect(maps.Keys(ds.Progress))
	slices.Sort(ids)

	return ids
}

// IsBlacklisted reports whether the seller key is currently excluded.
func (ds *DownloadState) IsBlacklisted(key string) bool {
	_, ok := ds.Blacklist[key]
	return ok
}

// BlacklistSeller excludes a seller from selection starting at now.
func (ds *DownloadState) BlacklistSeller(s Seller, now time.Time) {
	key := s.Key()
	if key == "" {
		return
	}

	if ds.Blacklist == nil {
		ds.Blacklist = make(map[string]BlacklistEntry)
	}

	ds.Blacklist[key] = BlacklistEntry{Seller: s, Time: now}
}

// ExpireBlacklist drops entries older than window and returns how many were
// removed.
func (ds *DownloadState) ExpireBlacklist(now time.Time, window time.Duration) int {
	removed := 0

	for key, entry := range ds.Blacklist {
		if now.Sub(entry.Time) >= window {
			delete(ds.Blacklist, key)
			removed++
		}
	}

	return removed
}

// WareID returns the ware id of a single-file section.
func WareID(mediaID MediaID, fileID FileID) string {
	return "bitmunk:file:" + strconv.FormatUint(uint64(mediaID), 10) + "-" + string(fileID)
}

// PieceSize returns the size of piece index out of count pieces of
// pieceSize bytes for a file of contentSize bytes. The last piece carries the
// remainder, or a full piece when the content divides evenly.
func PieceSize(contentSize, pieceSize int64, index, count uint32) int64 {
	if index+1 < count || pieceSize == 0 {
		return pieceSize
	}

	if rem := contentSize % pieceSize; rem != 0 {
		return rem
	}

	return pieceSize
}

// NewPieces splits a file into the pool's standard-size pieces.
func (sp SellerPool) NewPieces() []FilePiece {
	pieces := make([]FilePiece, 0, sp.PieceCount)
	for i := range sp.PieceCount {
		pieces = append(pieces, FilePiece{
			Index: i,
			Size:  PieceSize(sp.FileInfo.ContentSize, sp.PieceSize, i, sp.PieceCount),
			BfpID: sp.BfpID,
		})
	}

	return pieces
}
