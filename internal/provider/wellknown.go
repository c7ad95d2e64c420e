package provider

import "github.com/google/uuid"

// Manifest providers that are present on every supported Windows version.
// They are always resolvable, also where the system catalog cannot be
// enumerated, so captures taken elsewhere can be replayed by name.
var (
	KernelEventTracing = Descriptor{GUID: uuid.MustParse("b675ec37-bdb6-4648-bc92-f3fdc74d3ca2"), Name: "Microsoft-Windows-Kernel-EventTracing"}
	KernelDisk         = Descriptor{GUID: uuid.MustParse("c7bde69a-e1e0-4177-b6ef-283ad1525271"), Name: "Microsoft-Windows-Kernel-Disk"}
	KernelProcess      = Descriptor{GUID: uuid.MustParse("22fb2cd6-0e7b-422b-a0c7-2fad1fd0e716"), Name: "Microsoft-Windows-Kernel-Process"}
	KernelFile         = Descriptor{GUID: uuid.MustParse("edd08927-9cc4-4e65-b970-c2560fb5c289"), Name: "Microsoft-Windows-Kernel-File"}
	KernelNetwork      = Descriptor{GUID: uuid.MustParse("7dd42a49-5329-4832-8dfd-43d979153a88"), Name: "Microsoft-Windows-Kernel-Network"}
	KernelRegistry     = Descriptor{GUID: uuid.MustParse("70eb4f03-c1de-4f73-a051-33d13d5413bd"), Name: "Microsoft-Windows-Kernel-Registry"}
	DNSClient          = Descriptor{GUID: uuid.MustParse("1c95126e-7eea-49a9-a3fe-a378b03ddb4d"), Name: "Microsoft-Windows-DNS-Client"}
)

// WellKnown returns the built-in providers.
func WellKnown() []Descriptor {
	return []Descriptor{
		KernelEventTracing,
		KernelDisk,
		KernelProcess,
		KernelFile,
		KernelNetwork,
		KernelRegistry,
		DNSClient,
	}
}

// NewWellKnownCatalog returns a static catalog of the built-in providers.
func NewWellKnownCatalog() *StaticCatalog {
	return NewStaticCatalog(WellKnown()...)
}
