package router

import "strconv"

// Kind is the closed set of invocations this tool understands. Anything
// that does not classify into one of the explicit kinds is forwarded to
// the upstream client untouched.
type Kind int

const (
	KindForward Kind = iota
	KindSync
	KindAccountConfigure
	KindAccountRemove
	KindAccountList
	KindFolderList
	KindEnvelopeList
	KindMessageRead
)

// Invocation is one parsed command line.
type Invocation struct {
	// Argv is the original argument vector, kept verbatim for
	// forwarding.
	Argv []string

	Kind    Kind
	Account string
	Folder  string
	UID     uint32

	// JSON reports that -o json / --output json was requested. The
	// mirror only guarantees byte fidelity for structured output;
	// plain-table requests are forwarded.
	JSON bool

	// Sync flags.
	Full    bool
	Quiet   bool
	Folders []string

	// BadUsage marks an internal command with unusable arguments.
	BadUsage string
}

// valueFlags maps every accepted spelling of a value-carrying flag to
// its canonical name.
var valueFlags = map[string]string{
	"-a":        "account",
	"--account": "account",
	"-f":        "folder",
	"--folder":  "folder",
	"-o":        "output",
	"--output":  "output",
}

// Classify decides how an argument vector is handled. It is
// deliberately tolerant: any flag or shape it does not recognize on a
// read command demotes the invocation to a forward, never to an error.
func Classify(argv []string) Invocation {
	inv := Invocation{Argv: argv, Kind: KindForward}
	if len(argv) == 0 {
		return inv
	}

	switch argv[0] {
	case "sync":
		return classifySync(argv)
	case "account":
		if second(argv) == "configure" {
			inv.Kind = KindAccountConfigure
			return inv
		}
		if second(argv) == "remove" {
			return classifyRemove(argv)
		}
		if second(argv) == "list" {
			return classifyRead(argv, KindAccountList, false, false)
		}
	case "folder":
		if second(argv) == "list" {
			return classifyRead(argv, KindFolderList, false, false)
		}
	case "envelope":
		if second(argv) == "list" {
			return classifyRead(argv, KindEnvelopeList, true, false)
		}
	case "message":
		if second(argv) == "read" {
			return classifyRead(argv, KindMessageRead, true, true)
		}
	}

	return inv
}

func second(argv []string) string {
	if len(argv) < 2 {
		return ""
	}
	return argv[1]
}

// classifySync parses the sync command, which belongs to this tool
// alone and therefore reports usage errors instead of forwarding.
func classifySync(argv []string) Invocation {
	inv := Invocation{Argv: argv, Kind: KindSync}

	args := argv[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-a", "--account":
			if i+1 >= len(args) {
				inv.BadUsage = args[i] + " requires a value"
				return inv
			}
			i++
			inv.Account = args[i]
		case "-f", "--folder":
			if i+1 >= len(args) {
				inv.BadUsage = args[i] + " requires a value"
				return inv
			}
			i++
			inv.Folders = append(inv.Folders, args[i])
		case "--full":
			inv.Full = true
		case "--quiet", "-q":
			inv.Quiet = true
		default:
			inv.BadUsage = "unknown argument " + args[i]
			return inv
		}
	}

	if len(inv.Folders) > 0 && inv.Account == "" {
		inv.BadUsage = "--folder requires --account"
	}
	return inv
}

// classifyRemove parses account remove, which takes exactly the
// account name. Like sync, it is this tool's own command and reports
// usage errors instead of forwarding.
func classifyRemove(argv []string) Invocation {
	inv := Invocation{Argv: argv, Kind: KindAccountRemove}

	args := argv[2:]
	if len(args) != 1 || len(args[0]) == 0 || args[0][0] == '-' {
		inv.BadUsage = "usage: account remove <name>"
		return inv
	}
	inv.Account = args[0]
	return inv
}

// classifyRead parses a potentially cache-servable read command. Any
// unrecognized flag, a non-JSON output mode, or a malformed id falls
// back to forwarding.
func classifyRead(argv []string, kind Kind, needsFolder, needsID bool) Invocation {
	inv := Invocation{Argv: argv, Kind: kind}

	flags, positionals, unknown := parseArgs(argv[2:])
	if unknown {
		inv.Kind = KindForward
		return inv
	}

	inv.Account = flags["account"]
	inv.Folder = flags["folder"]
	inv.JSON = flags["output"] == "json"

	if !inv.JSON {
		// Plain-table fidelity is the upstream's own business.
		inv.Kind = KindForward
		return inv
	}
	if needsFolder && inv.Folder == "" {
		inv.Kind = KindForward
		return inv
	}

	if needsID {
		if len(positionals) != 1 {
			inv.Kind = KindForward
			return inv
		}
		uid, err := strconv.ParseUint(positionals[0], 10, 32)
		if err != nil {
			inv.Kind = KindForward
			return inv
		}
		inv.UID = uint32(uid)
	} else if len(positionals) > 0 {
		inv.Kind = KindForward
		return inv
	}

	return inv
}

// parseArgs walks an argument list collecting known flags and
// positionals. An unknown flag (with its apparent value, if any) marks
// the invocation unknown without failing the walk.
func parseArgs(args []string) (flags map[string]string, positionals []string, unknown bool) {
	flags = make(map[string]string)

	for i := 0; i < len(args); i++ {
		token := args[i]
		if len(token) == 0 || token[0] != '-' {
			positionals = append(positionals, token)
			continue
		}

		canonical, ok := valueFlags[token]
		if !ok {
			unknown = true
			// Assume the next token is the flag's value unless it
			// looks like another flag.
			if i+1 < len(args) && (len(args[i+1]) == 0 || args[i+1][0] != '-') {
				i++
			}
			continue
		}

		if i+1 >= len(args) {
			unknown = true
			continue
		}
		i++
		flags[canonical] = args[i]
	}

	return flags, positionals, unknown
}
