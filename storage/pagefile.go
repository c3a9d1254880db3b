package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Sentinel errors.
var (
	ErrInvalidFormat   = errors.New("storage: invalid file format")
	ErrAlreadyOpen     = errors.New("storage: database already open by another process")
	ErrPageOutOfRange  = errors.New("storage: page out of range")
	ErrChecksumMismatch = errors.New("storage: page checksum mismatch")
	ErrReadOnly        = errors.New("storage: database is read-only")
)

// Valid page sizes.
const (
	PageSize8K  = 8192
	PageSize16K = 16384
	PageSize32K = 32768

	DefaultPageSize      = PageSize16K
	DefaultGrowBlockBytes = 1 << 20 // 1 MiB
)

func validPageSize(n int) bool {
	return n == PageSize8K || n == PageSize16K || n == PageSize32K
}

// fileHeaderOffset is where PageFile-specific fields start, just after the
// common 32-byte page header on page 0.
const (
	fhOffPageSize      = PageHeaderSize
	fhOffGrowBlock     = fhOffPageSize + 4
	fhOffTotalPages    = fhOffGrowBlock + 4
	fhOffFreeListHead  = fhOffTotalPages + 4
)

// PageFile is the fixed-size block-aligned file manager.
// Page 0 is the FileHeader; page 1 is reserved for the CollectionCatalog
// (allocated eagerly on create so its PageId is always 1).
type PageFile struct {
	mu   sync.RWMutex
	file StorageFile
	path string
	lock *fileLock

	pageSize      int
	growBlock     int
	totalPages    uint32
	freeListHead  uint32
	dictionaryRoot uint32
	readOnly      bool

	cache *pageCache
}

// CreateOptions configures PageFile.Create / Open.
type CreateOptions struct {
	PageSize      int
	GrowBlockBytes int
	CachePages    int
}

func (o CreateOptions) normalized() CreateOptions {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.GrowBlockBytes == 0 {
		o.GrowBlockBytes = DefaultGrowBlockBytes
	}
	if o.CachePages == 0 {
		o.CachePages = 1024
	}
	return o
}

// Open creates or opens the database file at path under an exclusive lock.
// Opening an existing file validates pageSize against the stored header,
// except that a requested size equal to DefaultPageSize (which is also what
// an unset PageSize becomes) is not checked: the stored size is used.
func Open(path string, opts CreateOptions) (*PageFile, error) {
	return open(path, opts, false)
}

// OpenReadOnly opens an existing file without taking the write path.
func OpenReadOnly(path string, opts CreateOptions) (*PageFile, error) {
	return open(path, opts, true)
}

func open(path string, opts CreateOptions, readOnly bool) (*PageFile, error) {
	opts = opts.normalized()

	lock, err := lockFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlreadyOpen, err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		lock.unlock()
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}

	pf := &PageFile{
		file:     f,
		path:     path,
		lock:     lock,
		pageSize: opts.PageSize,
		readOnly: readOnly,
		cache:    newPageCache(opts.CachePages),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		lock.unlock()
		return nil, err
	}

	if info.Size() == 0 {
		if readOnly {
			f.Close()
			lock.unlock()
			return nil, fmt.Errorf("storage: cannot create database in read-only mode")
		}
		pf.growBlock = opts.GrowBlockBytes
		if err := pf.initFileHeader(); err != nil {
			f.Close()
			lock.unlock()
			return nil, err
		}
	} else {
		if err := pf.loadFileHeader(); err != nil {
			f.Close()
			lock.unlock()
			return nil, err
		}
		if pf.pageSize != opts.PageSize && opts.PageSize != DefaultPageSize {
			f.Close()
			lock.unlock()
			return nil, fmt.Errorf("%w: file pageSize=%d, requested=%d", ErrInvalidFormat, pf.pageSize, opts.PageSize)
		}
	}

	return pf, nil
}

// OpenMemory opens an in-memory PageFile (no OS file, no lock) for
// embedding contexts that never persist to disk.
func OpenMemory(opts CreateOptions) (*PageFile, error) {
	opts = opts.normalized()
	pf := &PageFile{
		file:      NewMemFile(),
		path:      ":memory:",
		pageSize:  opts.PageSize,
		growBlock: opts.GrowBlockBytes,
		cache:     newPageCache(opts.CachePages),
	}
	if err := pf.initFileHeader(); err != nil {
		return nil, err
	}
	return pf, nil
}

// DictionaryRoot returns the page id of the first Dictionary page holding
// the field-name schema, or 0 if none has been persisted yet.
func (pf *PageFile) DictionaryRoot() uint32 {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.dictionaryRoot
}

// SetDictionaryRoot records the root of the field-name schema's Dictionary
// page chain and flushes it to the FileHeader immediately, since the schema
// must be recoverable before any Data page referencing its ids is read.
func (pf *PageFile) SetDictionaryRoot(pageID uint32) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.dictionaryRoot = pageID
	return pf.flushHeaderLocked()
}

func (pf *PageFile) PageSize() int { return pf.pageSize }

func (pf *PageFile) TotalPages() uint32 {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.totalPages
}

func (pf *PageFile) IsReadOnly() bool { return pf.readOnly }

func (pf *PageFile) Path() string { return pf.path }

// Close flushes the header and releases the exclusive lock.
func (pf *PageFile) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if !pf.readOnly {
		if err := pf.flushHeaderLocked(); err != nil {
			return err
		}
		if err := pf.file.Sync(); err != nil {
			return err
		}
	}
	err := pf.file.Close()
	if pf.lock != nil {
		pf.lock.unlock()
	}
	return err
}

// Flush fsyncs the underlying file.
func (pf *PageFile) Flush() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.file.Sync()
}

func (pf *PageFile) initFileHeader() error {
	pf.totalPages = 2 // page 0 FileHeader, page 1 CollectionCatalog
	pf.freeListHead = 0
	if err := pf.flushHeaderLocked(); err != nil {
		return err
	}
	catalog := NewPage(pf.pageSize, 1, PageTypeCollectionCatalog)
	return pf.writePageLocked(catalog)
}

func (pf *PageFile) flushHeaderLocked() error {
	page := NewPage(pf.pageSize, 0, PageTypeFileHeader)
	page.SetDictionaryRootPageID(pf.dictionaryRoot)
	binary.LittleEndian.PutUint32(page.Data[fhOffPageSize:], uint32(pf.pageSize))
	binary.LittleEndian.PutUint32(page.Data[fhOffGrowBlock:], uint32(pf.growBlock))
	binary.LittleEndian.PutUint32(page.Data[fhOffTotalPages:], pf.totalPages)
	binary.LittleEndian.PutUint32(page.Data[fhOffFreeListHead:], pf.freeListHead)
	page.StampChecksum()
	_, err := pf.file.WriteAt(page.Data, 0)
	if err == nil {
		pf.cache.put(0, page.Data)
	}
	return err
}

func (pf *PageFile) loadFileHeader() error {
	// Probe with the default page size first to learn the real one.
	probe := make([]byte, DefaultPageSize)
	if _, err := pf.file.ReadAt(probe, 0); err != nil {
		return fmt.Errorf("storage: read file header: %w", err)
	}
	if PageType(probe[offPageType]) != PageTypeFileHeader {
		return fmt.Errorf("%w: page 0 is not a FileHeader page", ErrInvalidFormat)
	}
	pageSize := int(binary.LittleEndian.Uint32(probe[fhOffPageSize:]))
	if !validPageSize(pageSize) {
		return fmt.Errorf("%w: stored pageSize %d invalid", ErrInvalidFormat, pageSize)
	}
	pf.pageSize = pageSize

	buf := make([]byte, pageSize)
	if _, err := pf.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("storage: read file header: %w", err)
	}
	page := &Page{Data: buf}
	if !page.VerifyChecksum() {
		return ErrChecksumMismatch
	}
	pf.growBlock = int(binary.LittleEndian.Uint32(buf[fhOffGrowBlock:]))
	pf.totalPages = binary.LittleEndian.Uint32(buf[fhOffTotalPages:])
	pf.freeListHead = binary.LittleEndian.Uint32(buf[fhOffFreeListHead:])
	pf.dictionaryRoot = page.DictionaryRootPageID()
	return nil
}

// ReadPage fills and returns a page, validating its checksum. It holds the
// PageFile's read lock, plus the cache's own mutex while consulting it.
func (pf *PageFile) ReadPage(pageID uint32) (*Page, error) {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.readPageLocked(pageID)
}

func (pf *PageFile) readPageLocked(pageID uint32) (*Page, error) {
	if pageID >= pf.totalPages {
		return nil, fmt.Errorf("%w: page %d (total=%d)", ErrPageOutOfRange, pageID, pf.totalPages)
	}
	if data, ok := pf.cache.get(pageID); ok {
		return &Page{Data: data}, nil
	}
	buf := make([]byte, pf.pageSize)
	if _, err := pf.file.ReadAt(buf, int64(pageID)*int64(pf.pageSize)); err != nil {
		return nil, fmt.Errorf("storage: read page %d: %w", pageID, err)
	}
	page := &Page{Data: buf}
	if !page.VerifyChecksum() {
		return nil, fmt.Errorf("%w: page %d", ErrChecksumMismatch, pageID)
	}
	pf.cache.put(pageID, buf)
	return page, nil
}

// WritePage writes a full page at its own offset, stamping its checksum.
func (pf *PageFile) WritePage(page *Page) error {
	if pf.readOnly {
		return ErrReadOnly
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.writePageLocked(page)
}

func (pf *PageFile) writePageLocked(page *Page) error {
	pid := page.PageID()
	if pid >= pf.totalPages {
		return fmt.Errorf("%w: page %d (total=%d)", ErrPageOutOfRange, pid, pf.totalPages)
	}
	page.StampChecksum()
	if _, err := pf.file.WriteAt(page.Data, int64(pid)*int64(pf.pageSize)); err != nil {
		return err
	}
	pf.cache.put(pid, page.Data)
	return nil
}

// WritePageRaw writes pre-checksummed bytes at a page offset without
// restamping the checksum, and refreshes the cached copy — used by
// checkpoint/recovery replay, which applies WAL after-images verbatim.
func (pf *PageFile) WritePageRaw(pageID uint32, data []byte) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	for pageID >= pf.totalPages {
		pf.totalPages++
	}
	if _, err := pf.file.WriteAt(data, int64(pageID)*int64(pf.pageSize)); err != nil {
		return err
	}
	pf.cache.put(pageID, data)
	return nil
}

// AllocatePage pops the free-list if non-empty, else extends the file,
// block-aligned so growth is bounded by at most one growBlock of waste.
func (pf *PageFile) AllocatePage(ptype PageType) (uint32, error) {
	if pf.readOnly {
		return 0, ErrReadOnly
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.allocatePageLocked(ptype)
}

func (pf *PageFile) allocatePageLocked(ptype PageType) (uint32, error) {
	if pf.freeListHead != 0 {
		id := pf.freeListHead
		page, err := pf.readPageLocked(id)
		if err != nil {
			return 0, err
		}
		pf.freeListHead = page.NextPageID()
		page.SetType(ptype)
		page.SetNextPageID(0)
		if ptype == PageTypeData {
			page.InitDataPage()
		}
		if err := pf.writePageLocked(page); err != nil {
			return 0, err
		}
		if err := pf.flushHeaderLocked(); err != nil {
			return 0, err
		}
		return id, nil
	}

	id := pf.totalPages
	pf.totalPages++

	// Block-aligned growth: ensure the file is large enough to hold id, by
	// one fresh growBlock at a time, so waste per extension is bounded.
	neededBytes := int64(id+1) * int64(pf.pageSize)
	blockBytes := int64(pf.growBlock)
	if blockBytes <= 0 {
		blockBytes = DefaultGrowBlockBytes
	}
	grownTo := ((neededBytes + blockBytes - 1) / blockBytes) * blockBytes
	if st, err := pf.file.Stat(); err == nil && st.Size() < grownTo {
		if err := pf.file.WriteAt([]byte{0}, grownTo-1); err != nil {
			pf.totalPages--
			return 0, fmt.Errorf("storage: grow file: %w", err)
		}
	}

	page := NewPage(pf.pageSize, id, ptype)
	if ptype == PageTypeData {
		page.InitDataPage()
	}
	if err := pf.writePageLocked(page); err != nil {
		pf.totalPages--
		return 0, err
	}
	if err := pf.flushHeaderLocked(); err != nil {
		return 0, err
	}
	return id, nil
}

// FreePage stamps the page Free and links it into the free-list (spec
// §3.2 invariant 5).
func (pf *PageFile) FreePage(pageID uint32) error {
	if pf.readOnly {
		return ErrReadOnly
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	page, err := pf.readPageLocked(pageID)
	if err != nil {
		return err
	}
	page.SetType(PageTypeFree)
	page.SetNextPageID(pf.freeListHead)
	if err := pf.writePageLocked(page); err != nil {
		return err
	}
	pf.freeListHead = pageID
	return pf.flushHeaderLocked()
}

// ClearCache drops the in-memory page cache (e.g. after a Restart
// checkpoint has rewritten on-disk pages).
func (pf *PageFile) ClearCache() {
	pf.cache.clear()
}

// CacheStats exposes LRU hit/miss counters for observability.
func (pf *PageFile) CacheStats() (hits, misses uint64, size, capacity int) {
	return pf.cache.stats()
}
