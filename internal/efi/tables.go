package efi

// TableKind identifies one of the standard EFI tables.
type TableKind int

const (
	SystemTable TableKind = iota
	BootServices
	RuntimeServices
	SmmServices
)

// HeaderSize is the size of EFI_TABLE_HEADER, identical for IA32 and X64.
const HeaderSize = 24

// EFI_TABLE_HEADER signatures.
const (
	SystemTableSignature     = 0x5453595320494249 // "IBI SYST"
	BootServicesSignature    = 0x56524553544f4f42 // "BOOTSERV"
	RuntimeServicesSignature = 0x56524553544e5552 // "RUNTSERV"
	SmmServicesSignature     = 0x54534d53         // "SMST"
)

func (k TableKind) String() string {
	switch k {
	case SystemTable:
		return "SystemTable"
	case BootServices:
		return "BootServices"
	case RuntimeServices:
		return "RuntimeServices"
	case SmmServices:
		return "SmmServices"
	}
	return "Unknown"
}

// VarName is the conventional EDK2 name of the global holding the table.
func (k TableKind) VarName() string {
	switch k {
	case SystemTable:
		return "gST"
	case BootServices:
		return "gBS"
	case RuntimeServices:
		return "gRT"
	case SmmServices:
		return "gSmst"
	}
	return "gUnknown"
}

// TypeName is the C type of a pointer to the table.
func (k TableKind) TypeName() string {
	switch k {
	case SystemTable:
		return "EFI_SYSTEM_TABLE *"
	case BootServices:
		return "EFI_BOOT_SERVICES *"
	case RuntimeServices:
		return "EFI_RUNTIME_SERVICES *"
	case SmmServices:
		return "EFI_SMM_SYSTEM_TABLE2 *"
	}
	return "VOID *"
}

// Signature returns the header signature expected at the start of the table.
func (k TableKind) Signature() uint64 {
	switch k {
	case SystemTable:
		return SystemTableSignature
	case BootServices:
		return BootServicesSignature
	case RuntimeServices:
		return RuntimeServicesSignature
	case SmmServices:
		return SmmServicesSignature
	}
	return 0
}

// TableKindByName is the inverse of TableKind.String.
func TableKindByName(name string) (TableKind, bool) {
	for _, k := range []TableKind{SystemTable, BootServices, RuntimeServices, SmmServices} {
		if k.String() == name {
			return k, true
		}
	}
	return 0, false
}

// Slot is one pointer-sized field following a table header.
type Slot struct {
	Name  string
	Index int
	Data  bool // not a function pointer
}

// Every field after the header is pointer sized on both widths (UINT32
// revision fields are padded on X64), so slot i lives at
// HeaderSize + i*PtrSize.
var layouts = map[TableKind][]Slot{
	SystemTable: slots(
		"FirmwareVendor*", "FirmwareRevision*",
		"ConsoleInHandle*", "ConIn*",
		"ConsoleOutHandle*", "ConOut*",
		"StandardErrorHandle*", "StdErr*",
		"RuntimeServices*", "BootServices*",
		"NumberOfTableEntries*", "ConfigurationTable*",
	),
	BootServices: slots(
		"RaiseTPL", "RestoreTPL",
		"AllocatePages", "FreePages", "GetMemoryMap", "AllocatePool", "FreePool",
		"CreateEvent", "SetTimer", "WaitForEvent", "SignalEvent", "CloseEvent", "CheckEvent",
		"InstallProtocolInterface", "ReinstallProtocolInterface", "UninstallProtocolInterface",
		"HandleProtocol", "Reserved*", "RegisterProtocolNotify",
		"LocateHandle", "LocateDevicePath", "InstallConfigurationTable",
		"LoadImage", "StartImage", "Exit", "UnloadImage", "ExitBootServices",
		"GetNextMonotonicCount", "Stall", "SetWatchdogTimer",
		"ConnectController", "DisconnectController",
		"OpenProtocol", "CloseProtocol", "OpenProtocolInformation",
		"ProtocolsPerHandle", "LocateHandleBuffer", "LocateProtocol",
		"InstallMultipleProtocolInterfaces", "UninstallMultipleProtocolInterfaces",
		"CalculateCrc32", "CopyMem", "SetMem", "CreateEventEx",
	),
	RuntimeServices: slots(
		"GetTime", "SetTime", "GetWakeupTime", "SetWakeupTime",
		"SetVirtualAddressMap", "ConvertPointer",
		"GetVariable", "GetNextVariableName", "SetVariable",
		"GetNextHighMonotonicCount", "ResetSystem",
		"UpdateCapsule", "QueryCapsuleCapabilities", "QueryVariableInfo",
	),
	SmmServices: slots(
		"SmmFirmwareVendor*", "SmmFirmwareRevision*",
		"SmmInstallConfigurationTable",
		"SmmIoMemRead", "SmmIoMemWrite", "SmmIoIoRead", "SmmIoIoWrite",
		"SmmAllocatePool", "SmmFreePool", "SmmAllocatePages", "SmmFreePages",
		"SmmStartupThisAp",
		"CurrentlyExecutingCpu*", "NumberOfCpus*", "CpuSaveStateSize*", "CpuSaveState*",
		"NumberOfTableEntries*", "SmmConfigurationTable*",
		"SmmInstallProtocolInterface", "SmmUninstallProtocolInterface",
		"SmmHandleProtocol", "SmmRegisterProtocolNotify",
		"SmmLocateHandle", "SmmLocateProtocol",
		"SmiManage", "SmiHandlerRegister", "SmiHandlerUnRegister",
	),
}

// slots builds a layout; a trailing '*' marks a data field.
func slots(names ...string) []Slot {
	out := make([]Slot, len(names))
	for i, n := range names {
		data := false
		if n[len(n)-1] == '*' {
			n, data = n[:len(n)-1], true
		}
		out[i] = Slot{Name: n, Index: i, Data: data}
	}
	return out
}

// Slots returns a copy of the layout of kind.
func Slots(kind TableKind) []Slot {
	l := layouts[kind]
	out := make([]Slot, len(l))
	copy(out, l)
	return out
}

// SlotOffset returns the byte offset of the named slot.
func SlotOffset(kind TableKind, w BitWidth, name string) (uint64, bool) {
	for _, s := range layouts[kind] {
		if s.Name == name {
			return Offset(w, s.Index), true
		}
	}
	return 0, false
}

// SlotAt returns the slot located at byte offset off, if any.
func SlotAt(kind TableKind, w BitWidth, off int64) (Slot, bool) {
	ptr := int64(w.PtrSize())
	if off < HeaderSize || (off-HeaderSize)%ptr != 0 {
		return Slot{}, false
	}
	idx := int((off - HeaderSize) / ptr)
	l := layouts[kind]
	if idx >= len(l) {
		return Slot{}, false
	}
	return l[idx], true
}

// Offset returns the byte offset of slot index i.
func Offset(w BitWidth, i int) uint64 {
	return uint64(HeaderSize + i*w.PtrSize())
}

// ServiceNames lists the function slot names of kind in table order.
func ServiceNames(kind TableKind) []string {
	var out []string
	for _, s := range layouts[kind] {
		if !s.Data {
			out = append(out, s.Name)
		}
	}
	return out
}
