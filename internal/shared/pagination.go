package shared

// PagingInfo describes the window returned by paged queries.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// NormalisePage clamps page/pageSize to sane defaults.
func NormalisePage(page, pageSize, maxPageSize int) (int, int) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if maxPageSize > 0 && pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if page <= 0 {
		page = 1
	}
	return page, pageSize
}

// NewPagingInfo computes paging metadata from a pageSize+1 read.
func NewPagingInfo(page, pageSize int, hasNext bool) PagingInfo {
	info := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		info.PrevPage = page - 1
	}
	if hasNext {
		info.NextPage = page + 1
	}
	return info
}
