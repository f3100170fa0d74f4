//go:build !unix

package fsguard

func deviceOf(string) (uint64, error) { return 0, nil }

func (g *Guard) readFile(rel string, _ []string) ([]byte, error) {
	return nil, &PolicyViolationError{Op: "read", Path: rel, Reason: ReasonUnsupported}
}

func (g *Guard) writeFile(rel string, _ []string, _ []byte) error {
	return &PolicyViolationError{Op: "write", Path: rel, Reason: ReasonUnsupported}
}
