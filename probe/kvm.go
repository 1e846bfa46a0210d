package probe

import (
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/govfio/kvm"
)

// KVMCaps are the capabilities descriptor mirroring into KVM relies on.
var KVMCaps = map[string]uintptr{
	"KVM_CAP_DEVICE_CTRL": kvm.CapDeviceCtrl,
}

// KVMReport is what /dev/kvm offers.
type KVMReport struct {
	APIVersion int
	Caps       map[string]bool
}

// KVM checks the capabilities in KVMCaps on the KVM device at path.
func KVM(path string) (KVMReport, error) {
	r := KVMReport{Caps: map[string]bool{}}

	f, err := os.Open(path)
	if err != nil {
		return r, err
	}
	defer f.Close()

	v, err := kvm.GetAPIVersion(f.Fd())
	if err != nil {
		return r, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}

	r.APIVersion = int(v)

	for name, c := range KVMCaps {
		res, err := kvm.CheckExtension(f.Fd(), c)
		if err != nil {
			return r, fmt.Errorf("%s: %w", name, err)
		}

		r.Caps[name] = res != 0
	}

	return r, nil
}

func (r KVMReport) Print(w io.Writer) {
	fmt.Fprintf(w, "KVM API version: %d\n", r.APIVersion)

	for name, ok := range r.Caps {
		fmt.Fprintf(w, "%-30s: %t\n", name, ok)
	}
}
