package eql

import (
	"fmt"

	"github.com/kestrelsec/kestrel/internal/kerrors"
)

func syntaxErrf(line, col int, format string, args ...any) error {
	return kerrors.WithSpan(kerrors.SyntaxError, fmt.Sprintf("line %d, col %d", line, col), format, args...)
}
