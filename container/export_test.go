package container

// NewBareContainer returns a container with no backing kernel objects.
func NewBareContainer() *Container {
	return &Container{windows: newWindowTree(), sections: map[sectionKey]*sectionState{}}
}
