package container

import (
	"github.com/bobuhiro11/govfio/memory"
	"github.com/sirupsen/logrus"
)

// Space is a guest address space with the containers servicing it. It is
// the single memory listener of the address space and fans events out to
// every container.
type Space struct {
	as         *memory.AddressSpace
	session    *Session
	containers []*Container
	listening  bool
}

// AddressSpace returns the guest address space.
func (sp *Space) AddressSpace() *memory.AddressSpace {
	return sp.as
}

// Containers returns the containers of the space.
func (sp *Space) Containers() []*Container {
	return append([]*Container(nil), sp.containers...)
}

// copySource returns a sibling c can copy mappings from.
func (sp *Space) copySource(c *Container) *Container {
	if !c.ops.Supports(FeatureDMACopy) {
		return nil
	}

	for _, x := range sp.containers {
		if x != c && x.initialized && x.ops.Kind() == c.ops.Kind() && x.ops.Supports(FeatureDMACopy) {
			return x
		}
	}

	return nil
}

// addContainer makes c service the space. The sections already present
// are replayed to c alone; other containers keep their mappings.
func (sp *Space) addContainer(c *Container) {
	sp.containers = append(sp.containers, c)
	containersGauge.Inc()

	if !sp.listening {
		sp.listening = true
		sp.as.RegisterListener(sp)

		return
	}

	if sp.as.Logging() {
		if err := c.startDirtyTracking(); err != nil {
			c.log.WithError(err).Error("vfio: could not start dirty page tracking")
			sp.session.migration.SetError(err)
		}
	}

	src := sp.copySource(c)
	for _, s := range sp.as.Sections() {
		c.regionAdd(&src, s)
	}
}

// delContainer stops c from servicing the space and drops every mapping
// it holds.
func (sp *Space) delContainer(c *Container) {
	for i, x := range sp.containers {
		if x == c {
			sp.containers = append(sp.containers[:i], sp.containers[i+1:]...)
			containersGauge.Dec()

			break
		}
	}

	sections := sp.as.Sections()
	for i := len(sections) - 1; i >= 0; i-- {
		c.regionDel(sections[i])
	}

	if len(sp.containers) == 0 && sp.listening {
		sp.as.UnregisterListener(sp)
		sp.listening = false
	}
}

func (sp *Space) RegionAdd(s memory.Section) {
	var src *Container

	for _, c := range sp.containers {
		c.regionAdd(&src, s)
	}
}

func (sp *Space) RegionDel(s memory.Section) {
	for _, c := range sp.containers {
		c.regionDel(s)
	}
}

// LogGlobalStart starts dirty tracking in every container. Containers
// already started are stopped again if a later one fails.
func (sp *Space) LogGlobalStart() error {
	for i, c := range sp.containers {
		if err := c.startDirtyTracking(); err != nil {
			for j := i - 1; j >= 0; j-- {
				if err := sp.containers[j].stopDirtyTracking(); err != nil {
					sp.containers[j].log.WithError(err).Warn("unwinding dirty page tracking")
				}
			}

			sp.session.log.WithError(err).WithFields(logrus.Fields{
				"as":        sp.as.Name,
				"container": c.ID,
			}).Error("vfio: could not start dirty page tracking")
			sp.session.migration.SetError(err)

			return err
		}
	}

	return nil
}

func (sp *Space) LogGlobalStop() {
	for _, c := range sp.containers {
		if err := c.stopDirtyTracking(); err != nil {
			c.log.WithError(err).Error("vfio: could not stop dirty page tracking")
			sp.session.migration.SetError(err)
		}
	}
}

func (sp *Space) LogSync(s memory.Section) {
	for _, c := range sp.containers {
		c.logSync(s)
	}
}
