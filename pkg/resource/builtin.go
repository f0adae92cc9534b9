package resource

// NewBuiltinRegistry returns a Registry seeded with the five built-in
// resource kinds the specification names: pkg, file, service, sudoers,
// and sshd.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.Register(PkgKind{})
	r.Register(FileKind{})
	r.Register(ServiceKind{})
	r.Register(SudoersKind{})
	r.Register(SSHDKind{})
	return r
}
