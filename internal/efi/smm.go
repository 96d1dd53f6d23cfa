package efi

// EFI_SMM_BASE2_PROTOCOL. GetSmstLocation is its second member.
var SmmBase2ProtocolGUID = MustParseGUID("f4ccbfb7-f6e0-47fd-9dd4-10a8f150c191")

// SmmBase2GetSmstLocationIndex is the member index of GetSmstLocation.
const SmmBase2GetSmstLocationIndex = 1

// SMM child dispatch protocols. Each starts with
// Register(This, DispatchFunction, RegisterContext, DispatchHandle).
var smmDispatchProtocols = map[GUID]string{
	MustParseGUID("18a3c6dc-5eea-48c8-a1c1-b53389f98999"): "EFI_SMM_SW_DISPATCH2_PROTOCOL",
	MustParseGUID("456d2859-a84b-4e47-a2ee-3276d886997d"): "EFI_SMM_SX_DISPATCH2_PROTOCOL",
	MustParseGUID("4cec368e-8e8e-4d71-8be1-958c45fc8a53"): "EFI_SMM_PERIODIC_TIMER_DISPATCH2_PROTOCOL",
	MustParseGUID("ee9b8d90-c5a6-40a2-bde2-52558d33ccd7"): "EFI_SMM_USB_DISPATCH2_PROTOCOL",
	MustParseGUID("25566b03-b577-4cbf-958c-ed663ea24380"): "EFI_SMM_GPI_DISPATCH2_PROTOCOL",
	MustParseGUID("7300c4a1-43f2-4017-a51b-c81a7f40585b"): "EFI_SMM_STANDBY_BUTTON_DISPATCH2_PROTOCOL",
	MustParseGUID("1b1183fa-1823-46a7-8872-9c578755409d"): "EFI_SMM_POWER_BUTTON_DISPATCH2_PROTOCOL",
	MustParseGUID("58dc368d-7bfa-4e77-abbc-0e29418df930"): "EFI_SMM_IO_TRAP_DISPATCH2_PROTOCOL",
}

// SmmDispatchRegisterHandlerArg is the DispatchFunction argument index.
const SmmDispatchRegisterHandlerArg = 1

// SmmDispatchProtocol reports whether g is a child dispatch protocol and
// returns its interface name.
func SmmDispatchProtocol(g GUID) (string, bool) {
	name, ok := smmDispatchProtocols[g]
	return name, ok
}
