package shell

import (
	"fmt"
	"strconv"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"golang.org/x/sys/unix"
)

const helpText = `Commands:
    submit [max_cpu] [max_mem] [pri] [cmd] : Submit a new job to the server,
                                             with the specified resource
                                             limitations given by max_cpu and
                                             max_mem, running at priority pri
    list                                   : List all jobs for client
    stdout [jobid]                         : Get the standard output results of
                                             the specified completed job
    stderr [jobid]                         : Get the standard error results of
                                             the specified completed job
    status [jobid]                         : Get the status of the job with the
                                             specified id
    kill [jobid]                           : Terminates the job with the
                                             specified id
    stop [jobid]                           : Stops the job with the specified id
    resume [jobid]                         : Resumes a stopped job with the
                                             specified id
    pri [jobid] [priority]                 : Adjust the priority level of a job
    expunge [jobid]                        : Removes the specified job from the
                                             client's list of jobs
    help                                   : Displays this list of commands
    quit                                   : Disconnect and close the client
`

var suggestions = []prompt.Suggest{
	{Text: "submit", Description: "Submit a new job: submit <max_cpu> <max_mem> <pri> <cmd>"},
	{Text: "list", Description: "List all jobs"},
	{Text: "status", Description: "Get the status of a job"},
	{Text: "stdout", Description: "Get the standard output of a completed job"},
	{Text: "stderr", Description: "Get the standard error of a completed job"},
	{Text: "kill", Description: "Terminate a job"},
	{Text: "stop", Description: "Stop a job"},
	{Text: "resume", Description: "Resume a stopped job"},
	{Text: "pri", Description: "Adjust the priority of a job"},
	{Text: "expunge", Description: "Remove a job from the job list"},
	{Text: "help", Description: "Display the list of commands"},
	{Text: "quit", Description: "Disconnect and close the client"},
}

// Username reads a nonempty login name from the terminal.
func Username() string {
	for {
		name := strings.TrimSpace(prompt.Input("username: ", noComplete))
		if name != "" {
			return name
		}
		fmt.Println("Please enter a valid username.")
	}
}

func noComplete(prompt.Document) []prompt.Suggest {
	return nil
}

// REPL is the interactive command loop over a logged-in Shell.
type REPL struct {
	shell *Shell
	done  bool
}

// NewREPL creates a REPL driving s.
func NewREPL(s *Shell) *REPL {
	return &REPL{shell: s}
}

// Run reads and executes commands until quit or server disconnect.
func (r *REPL) Run() {
	p := prompt.New(
		r.execute,
		r.complete,
		prompt.OptionTitle("smash"),
		prompt.OptionPrefix("client> "),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return r.done }),
	)
	p.Run()
}

func (r *REPL) complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}

func (r *REPL) execute(line string) {
	if err := r.Execute(line); err != nil {
		fmt.Println("Lost connection to server.")
		r.done = true
	}
}

// Execute runs a single command line. The returned error is a transport
// failure; user mistakes are printed and swallowed.
func (r *REPL) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "help":
		fmt.Print(helpText)
		return nil
	case "quit":
		r.done = true
		return nil
	case "submit":
		return r.submit(args, line)
	case "list":
		return r.shell.List()
	case "status":
		return r.withJobID(args, r.shell.Status)
	case "kill":
		return r.withJobID(args, func(id uint32) error {
			return r.shell.Signal(id, uint32(unix.SIGKILL))
		})
	case "stop":
		return r.withJobID(args, func(id uint32) error {
			return r.shell.Signal(id, uint32(unix.SIGSTOP))
		})
	case "resume":
		return r.withJobID(args, func(id uint32) error {
			return r.shell.Signal(id, uint32(unix.SIGCONT))
		})
	case "pri":
		return r.setPriority(args)
	case "stdout":
		return r.withJobID(args, func(id uint32) error {
			return r.shell.Output(id, false)
		})
	case "stderr":
		return r.withJobID(args, func(id uint32) error {
			return r.shell.Output(id, true)
		})
	case "expunge":
		return r.withJobID(args, r.shell.Expunge)
	default:
		fmt.Printf("Unknown command %q. Try 'help'.\n", cmd)
		return nil
	}
}

func (r *REPL) submit(args []string, line string) error {
	maxcpu, maxmem, pri, cmdline, ok := parseSubmit(args, line)
	if !ok {
		fmt.Println("Usage: submit <max_cpu> <max_mem> <pri> <cmd>")
		return nil
	}
	return r.shell.Submit(maxcpu, maxmem, pri, cmdline)
}

// parseSubmit picks the three numeric limits off "submit <max_cpu>
// <max_mem> <pri> <cmd...>" and returns the remainder of the original
// line verbatim, so the command's internal spacing reaches the server
// untouched.
func parseSubmit(args []string, line string) (maxcpu, maxmem uint32, pri int32, cmdline string, ok bool) {
	if len(args) < 4 {
		return 0, 0, 0, "", false
	}

	cpu, err1 := strconv.ParseUint(args[0], 10, 32)
	mem, err2 := strconv.ParseUint(args[1], 10, 32)
	p, err3 := strconv.ParseInt(args[2], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, "", false
	}

	rest := line
	for _, tok := range []string{"submit", args[0], args[1], args[2]} {
		idx := strings.Index(rest, tok)
		rest = rest[idx+len(tok):]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return 0, 0, 0, "", false
	}

	return uint32(cpu), uint32(mem), int32(p), rest, true
}

func (r *REPL) setPriority(args []string) error {
	if len(args) != 2 {
		fmt.Println("Usage: pri <jobid> <priority>")
		return nil
	}
	id, err1 := strconv.ParseUint(args[0], 10, 32)
	pri, err2 := strconv.ParseInt(args[1], 10, 32)
	if err1 != nil || err2 != nil {
		fmt.Println("Usage: pri <jobid> <priority>")
		return nil
	}
	return r.shell.SetPriority(uint32(id), int32(pri))
}

// withJobID parses a single jobid argument and applies fn to it.
func (r *REPL) withJobID(args []string, fn func(uint32) error) error {
	if len(args) != 1 {
		fmt.Println("A job id is required.")
		return nil
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Println("A job id is required.")
		return nil
	}
	return fn(uint32(id))
}
