package halloc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/memutils/dll"
	"github.com/vkngwrapper/hostmem/memutils/metadata"
)

// TypeInfo describes one registered type
type TypeInfo struct {
	Name        string
	ElementSize int
	// Container is the sequence number of the registry container holding the descriptor, starting at 1
	Container int
	Slot      int
	PageCount int
}

// TypeReport is the memory usage of one type
type TypeReport struct {
	Name        string
	ElementSize int
	memutils.DetailedStatistics
	// SoftFragmentBlocks counts free blocks too small to hold a single element
	SoftFragmentBlocks int
}

// UsedBytes counts the payload and header bytes of every live allocation
func (r *TypeReport) UsedBytes() int {
	return r.Statistics.UsedBytes(metadata.HeaderSize)
}

// Statistics is the memory usage of every type in an arena, plus the totals
type Statistics struct {
	Types []TypeReport
	Total memutils.DetailedStatistics
}

// PageReport describes one page of a type
type PageReport struct {
	ID              uint64
	Address         uintptr
	OSPages         int
	Bytes           int
	FreeBlocks      int
	AllocatedBlocks int
	// LargestFreeOffset is metadata.NoBlock when the page has no free block
	LargestFreeOffset int
	LargestFreeSize   int
	// LargestAllocatedOffset is metadata.NoBlock when the page has no allocated block
	LargestAllocatedOffset int
	LargestAllocatedSize   int
}

// Types lists registered types, newest registry container first
func (a *Arena) Types() []TypeInfo {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var types []TypeInfo
	a.eachType(func(d typeDescriptor) bool {
		types = append(types, TypeInfo{
			Name:        d.Name(),
			ElementSize: d.ElementSize(),
			Container:   d.container.sequence,
			Slot:        d.slot,
			PageCount:   d.PageCount(),
		})
		return true
	})
	return types
}

func (a *Arena) typeReport(d typeDescriptor) TypeReport {
	report := TypeReport{
		Name:        d.Name(),
		ElementSize: d.ElementSize(),
	}
	report.DetailedStatistics.Clear()

	chain := a.pages.List(d.firstPage())
	chain.Each(func(h dll.Handle, p *page) bool {
		p.meta.AddDetailedStatistics(&report.DetailedStatistics)
		_ = p.meta.VisitAllRegions(func(offset int, size int, free bool) error {
			if free && size < report.ElementSize {
				report.SoftFragmentBlocks++
			}
			return nil
		})
		return true
	})
	return report
}

// CalculateStatistics reports the memory usage of every registered type
func (a *Arena) CalculateStatistics() Statistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats Statistics
	stats.Total.Clear()
	a.eachType(func(d typeDescriptor) bool {
		report := a.typeReport(d)
		stats.Types = append(stats.Types, report)
		stats.Total.AddDetailedStatistics(&report.DetailedStatistics)
		return true
	})
	return stats
}

func (a *Arena) unregisteredError(name string) error {
	return errors.Mark(errors.Newf("type %q is not registered", name), ErrInvalidArgument)
}

// TypeStatistics reports the memory usage of a single type
func (a *Arena) TypeStatistics(name string) (TypeReport, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	d, ok := a.lookup(name)
	if !ok {
		return TypeReport{}, a.unregisteredError(name)
	}
	return a.typeReport(d), nil
}

// PageReports describes every page of a type, newest page first
func (a *Arena) PageReports(name string) ([]PageReport, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	d, ok := a.lookup(name)
	if !ok {
		return nil, a.unregisteredError(name)
	}

	var reports []PageReport
	chain := a.pages.List(d.firstPage())
	chain.Each(func(h dll.Handle, p *page) bool {
		report := PageReport{
			ID:              p.id,
			Address:         p.region.Addr(),
			OSPages:         p.region.Pages(),
			Bytes:           p.region.Len(),
			FreeBlocks:      p.meta.FreeRegionsCount(),
			AllocatedBlocks: p.meta.AllocationCount(),
		}
		report.LargestFreeOffset, report.LargestFreeSize = p.meta.Largest(true)
		report.LargestAllocatedOffset, report.LargestAllocatedSize = p.meta.Largest(false)
		reports = append(reports, report)
		return true
	})
	return reports, nil
}

// WalkTypes writes every registry container and the types it holds
func (a *Arena) WalkTypes(w io.Writer) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	out := bufio.NewWriter(w)
	fmt.Fprintln(out, "currently saved virtual memory page items...")
	for c := a.containers; c != nil; c = c.next {
		fmt.Fprintf(out, "registry container %d : %#x\n\n", c.sequence, c.region.Addr())
		for slot := 0; slot < c.capacity && c.occupied(slot); slot++ {
			d := c.descriptor(slot)
			fmt.Fprintf(out, "\ttype %d: name `%s`, size `%d` bytes, pages %d\n", slot+1, d.Name(), d.ElementSize(), d.PageCount())
		}
		fmt.Fprintln(out)
	}
	return out.Flush()
}

// PrintMemoryUsage writes one summary line per type: blocks, free blocks and bytes in use, headers
// included
func (a *Arena) PrintMemoryUsage(w io.Writer) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	out := bufio.NewWriter(w)
	fmt.Fprintln(out, "showing total memory usage by halloc...")

	var total memutils.Statistics
	a.eachType(func(d typeDescriptor) bool {
		report := a.typeReport(d)
		total.AddStatistics(&report.Statistics)
		fmt.Fprintf(out, "type `%s`: pages %d, blocks %d, free blocks %d, used bytes %d\n",
			report.Name,
			report.PageCount,
			report.AllocationCount+report.FreeBlockCount,
			report.FreeBlockCount,
			report.UsedBytes(),
		)
		return true
	})
	fmt.Fprintf(out, "total: pages %d, mapped bytes %d, used bytes %d\n", total.PageCount, total.PageBytes, total.UsedBytes(metadata.HeaderSize))
	return out.Flush()
}

// WalkPages writes, for every page of the named type, its block counts and its largest free and largest
// allocated blocks. An unregistered name writes an error line and returns an error marked
// ErrInvalidArgument.
func (a *Arena) WalkPages(w io.Writer, name string) error {
	reports, err := a.PageReports(name)

	out := bufio.NewWriter(w)
	fmt.Fprintf(out, "showing detailed memory usage for type %s...\n", name)
	if err != nil {
		fmt.Fprintf(out, "error: %s\n", err)
		_ = out.Flush()
		return err
	}

	for i, report := range reports {
		fmt.Fprintf(out, "page %d (%#x): %d OS pages, %d free blocks, %d allocated blocks\n",
			i+1, report.Address, report.OSPages, report.FreeBlocks, report.AllocatedBlocks)

		if report.LargestFreeOffset == metadata.NoBlock {
			fmt.Fprintln(out, "\tlargest free block: none")
		} else {
			fmt.Fprintf(out, "\tlargest free block: %#x, %d bytes\n",
				report.Address+uintptr(report.LargestFreeOffset+metadata.HeaderSize), report.LargestFreeSize)
		}

		if report.LargestAllocatedOffset == metadata.NoBlock {
			fmt.Fprintln(out, "\tlargest allocated block: none")
		} else {
			fmt.Fprintf(out, "\tlargest allocated block: %#x, %d bytes\n",
				report.Address+uintptr(report.LargestAllocatedOffset+metadata.HeaderSize), report.LargestAllocatedSize)
		}
	}
	return out.Flush()
}

// PrintDetailedMap writes every type, page and block of the arena as a json object
func (a *Arena) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("PageSize").Int(a.pageSize)
	objState.Name("MaxPageUnits").Int(a.maxPageUnits)

	typesObj := objState.Name("Types").Object()
	defer typesObj.End()

	a.eachType(func(d typeDescriptor) bool {
		typeObj := typesObj.Name(d.Name()).Object()
		defer typeObj.End()

		typeObj.Name("ElementSize").Int(d.ElementSize())
		typeObj.Name("PageCount").Int(d.PageCount())

		pagesObj := typeObj.Name("Pages").Object()
		defer pagesObj.End()

		chain := a.pages.List(d.firstPage())
		chain.Each(func(h dll.Handle, p *page) bool {
			pageObj := pagesObj.Name(strconv.FormatUint(p.id, 10)).Object()
			pageObj.Name("OSPages").Int(p.region.Pages())
			p.meta.BlockJsonData(pageObj)
			pageObj.End()
			return true
		})
		return true
	})
}
