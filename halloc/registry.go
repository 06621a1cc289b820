package halloc

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/memutils/dll"
	"github.com/vkngwrapper/hostmem/vmem"
	"golang.org/x/exp/slog"
)

// Registry containers are single mapped pages. The first word holds the container's sequence number and
// is followed by fixed-size type descriptors.
const (
	containerLinkSize = 8
	descriptorSize    = 96
)

// Type descriptor layout
const (
	descNameField        = 0
	descFlagsField       = 64
	descElementSizeField = 72
	descFirstPageField   = 80
	descQueueField       = 84
	descPageCountField   = 88

	descOccupied byte = 1
)

func containerCapacity(pageSize int) int {
	return (pageSize - containerLinkSize) / descriptorSize
}

type registryContainer struct {
	region   *vmem.Region
	next     *registryContainer
	sequence int
	capacity int
}

func (c *registryContainer) descriptor(slot int) typeDescriptor {
	return typeDescriptor{container: c, slot: slot}
}

func (c *registryContainer) occupied(slot int) bool {
	return c.descriptor(slot).raw()[descFlagsField]&descOccupied != 0
}

// firstFreeSlot returns the first slot without the occupied flag, or -1 when the container is full
func (c *registryContainer) firstFreeSlot() int {
	for slot := 0; slot < c.capacity; slot++ {
		if !c.occupied(slot) {
			return slot
		}
	}
	return -1
}

// typeDescriptor is a view of one registry slot. Its fields live in the container's mapped page.
type typeDescriptor struct {
	container *registryContainer
	slot      int
}

func (d typeDescriptor) raw() []byte {
	start := containerLinkSize + d.slot*descriptorSize
	return d.container.region.Bytes()[start : start+descriptorSize]
}

func (d typeDescriptor) nameField() []byte {
	return d.raw()[descNameField : descNameField+MaxTypeNameLength]
}

func (d typeDescriptor) Name() string {
	field := d.nameField()
	if end := bytes.IndexByte(field, 0); end >= 0 {
		field = field[:end]
	}
	return string(field)
}

func (d typeDescriptor) nameEquals(name string) bool {
	field := d.nameField()
	return len(name) < len(field) && field[len(name)] == 0 && string(field[:len(name)]) == name
}

func (d typeDescriptor) ElementSize() int {
	return int(binary.LittleEndian.Uint64(d.raw()[descElementSizeField:]))
}

func (d typeDescriptor) firstPage() dll.Handle {
	return dll.Handle(binary.LittleEndian.Uint32(d.raw()[descFirstPageField:]))
}

func (d typeDescriptor) setFirstPage(h dll.Handle) {
	binary.LittleEndian.PutUint32(d.raw()[descFirstPageField:], uint32(h))
}

func (d typeDescriptor) queueSentinel() dll.Handle {
	return dll.Handle(binary.LittleEndian.Uint32(d.raw()[descQueueField:]))
}

func (d typeDescriptor) PageCount() int {
	return int(binary.LittleEndian.Uint32(d.raw()[descPageCountField:]))
}

func (d typeDescriptor) setPageCount(count int) {
	binary.LittleEndian.PutUint32(d.raw()[descPageCountField:], uint32(count))
}

// eachType visits every registered type, newest container first and in slot order within a container.
// Returning false stops the walk.
func (a *Arena) eachType(fn func(d typeDescriptor) bool) {
	for c := a.containers; c != nil; c = c.next {
		for slot := 0; slot < c.capacity && c.occupied(slot); slot++ {
			if !fn(c.descriptor(slot)) {
				return
			}
		}
	}
}

// lookup finds the descriptor registered under name with a linear scan
func (a *Arena) lookup(name string) (typeDescriptor, bool) {
	var found typeDescriptor
	ok := false
	a.eachType(func(d typeDescriptor) bool {
		if d.nameEquals(name) {
			found = d
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// register writes a new descriptor into the newest container, mapping a new container first when it is
// full. The type gets an empty page chain and a fresh free-queue sentinel.
func (a *Arena) register(name string, elementSize int) (typeDescriptor, error) {
	c := a.containers
	slot := -1
	if c != nil {
		slot = c.firstFreeSlot()
	}

	if slot < 0 {
		var err error
		c, err = a.growRegistry()
		if err != nil {
			return typeDescriptor{}, err
		}
		slot = 0
	}

	d := c.descriptor(slot)
	raw := d.raw()
	copy(d.nameField(), name)
	binary.LittleEndian.PutUint64(raw[descElementSizeField:], uint64(elementSize))
	binary.LittleEndian.PutUint32(raw[descFirstPageField:], uint32(dll.Nil))
	binary.LittleEndian.PutUint32(raw[descQueueField:], uint32(a.queue.Alloc(freeBlock{})))
	binary.LittleEndian.PutUint32(raw[descPageCountField:], 0)
	raw[descFlagsField] = descOccupied

	a.logger.Debug("Arena::register",
		slog.String("Type", name),
		slog.Int("ElementSize", elementSize),
		slog.Int("Container", c.sequence),
		slog.Int("Slot", slot),
	)
	return d, nil
}

func (a *Arena) growRegistry() (*registryContainer, error) {
	region, err := vmem.Map(a.mapper, a.pageSize, 1)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to map a registry container"), ErrRegistrationFailure)
	}

	c := &registryContainer{
		region:   region,
		next:     a.containers,
		sequence: a.containerCount + 1,
		capacity: containerCapacity(a.pageSize),
	}
	binary.LittleEndian.PutUint64(region.Bytes()[:containerLinkSize], uint64(c.sequence))

	a.containers = c
	a.containerCount++
	return c, nil
}
