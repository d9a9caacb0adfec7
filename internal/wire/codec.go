package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sep separates fields. It is not escaped, so a path containing '|' cannot
// be expressed on the wire.
const Sep = "|"

// ReasonNotFound is the only ERROR reason the server sends.
const ReasonNotFound = "NOT_FOUND"

var (
	ErrMalformed      = errors.New("malformed line")
	ErrUnknownCommand = errors.New("unknown command")
)

type Verb string

const (
	VerbList     Verb = "LIST"
	VerbUpload   Verb = "UPLOAD"
	VerbDownload Verb = "DOWNLOAD"
	VerbDelete   Verb = "DELETE"
	VerbRename   Verb = "RENAME"
)

// Command is the single request a client sends on a connection.
type Command struct {
	Verb    Verb
	Path    string // old path for RENAME
	NewPath string // RENAME only
	Size    int64  // UPLOAD only
}

func List() Command {
	return Command{Verb: VerbList}
}

func Upload(path string, size int64) Command {
	return Command{Verb: VerbUpload, Path: path, Size: size}
}

func Download(path string) Command {
	return Command{Verb: VerbDownload, Path: path}
}

func Delete(path string) Command {
	return Command{Verb: VerbDelete, Path: path}
}

func Rename(oldPath, newPath string) Command {
	return Command{Verb: VerbRename, Path: oldPath, NewPath: newPath}
}

// String encodes the command as its wire line, without the terminator.
func (c Command) String() string {
	switch c.Verb {
	case VerbList:
		return string(VerbList)
	case VerbUpload:
		return join(string(c.Verb), c.Path, strconv.FormatInt(c.Size, 10))
	case VerbRename:
		return join(string(c.Verb), c.Path, c.NewPath)
	default:
		return join(string(c.Verb), c.Path)
	}
}

// ParseCommand decodes a request line. Fields beyond the ones a verb needs
// are ignored.
func ParseCommand(line string) (Command, error) {
	parts := strings.Split(line, Sep)
	need := func(n int) error {
		if len(parts) < n {
			return fmt.Errorf("%w: %s needs %d fields, got %d", ErrMalformed, parts[0], n-1, len(parts)-1)
		}
		return nil
	}

	switch v := Verb(parts[0]); v {
	case VerbList:
		return List(), nil
	case VerbUpload:
		if err := need(3); err != nil {
			return Command{}, err
		}
		size, err := parseSize(parts[2])
		if err != nil {
			return Command{}, err
		}
		return Upload(parts[1], size), nil
	case VerbDownload, VerbDelete:
		if err := need(2); err != nil {
			return Command{}, err
		}
		return Command{Verb: v, Path: parts[1]}, nil
	case VerbRename:
		if err := need(3); err != nil {
			return Command{}, err
		}
		return Rename(parts[1], parts[2]), nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, parts[0])
	}
}

type ResponseKind string

const (
	KindFile  ResponseKind = "FILE"
	KindEnd   ResponseKind = "END"
	KindData  ResponseKind = "DATA"
	KindError ResponseKind = "ERROR"
)

// Response is one server line: FILE entries and END for LIST, DATA or ERROR
// for DOWNLOAD.
type Response struct {
	Kind   ResponseKind
	Path   string // FILE
	Size   int64  // FILE, DATA
	Reason string // ERROR
}

func FileEntry(path string, size int64) Response {
	return Response{Kind: KindFile, Path: path, Size: size}
}

func End() Response {
	return Response{Kind: KindEnd}
}

func Data(size int64) Response {
	return Response{Kind: KindData, Size: size}
}

func Error(reason string) Response {
	return Response{Kind: KindError, Reason: reason}
}

func (r Response) String() string {
	switch r.Kind {
	case KindFile:
		return join(string(r.Kind), r.Path, strconv.FormatInt(r.Size, 10))
	case KindData:
		return join(string(r.Kind), strconv.FormatInt(r.Size, 10))
	case KindError:
		return join(string(r.Kind), r.Reason)
	default:
		return string(r.Kind)
	}
}

func ParseResponse(line string) (Response, error) {
	parts := strings.Split(line, Sep)
	switch ResponseKind(parts[0]) {
	case KindEnd:
		return End(), nil
	case KindFile:
		if len(parts) < 3 {
			return Response{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		size, err := parseSize(parts[2])
		if err != nil {
			return Response{}, err
		}
		return FileEntry(parts[1], size), nil
	case KindData:
		if len(parts) < 2 {
			return Response{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		size, err := parseSize(parts[1])
		if err != nil {
			return Response{}, err
		}
		return Data(size), nil
	case KindError:
		if len(parts) < 2 {
			return Response{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		return Error(parts[1]), nil
	default:
		return Response{}, fmt.Errorf("%w: unexpected response %q", ErrMalformed, line)
	}
}

func parseSize(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad size %q", ErrMalformed, s)
	}
	return n, nil
}

func join(fields ...string) string {
	return strings.Join(fields, Sep)
}
