// Package builtin holds the tools that run inside the gateway process.
package builtin

import "github.com/flemzord/toolgate/internal/tool"

// Deps are the collaborators built-in tools need.
type Deps struct {
	Exec    ExecConfig
	Files   FileConfig
	Process ProcessControl
}

// Descriptions of the built-in tools.
var descriptions = map[string]string{
	"exec":       "Run a shell command on the host.",
	"file_read":  "Read a file. The command is the path.",
	"file_write": `Write a file. The command is the path; input is {"content": "...", "append": false}.`,
	"process":    "Inspect and control tool servers: status [tool], start|stop|restart|reset <tool>.",
}

// Names lists the built-in tools.
func Names() []string {
	return []string{"exec", "file_read", "file_write", "process"}
}

// Lookup returns the handler and description for a built-in tool.
func Lookup(name string, deps Deps) (tool.Handler, string, bool) {
	var h tool.Handler
	switch name {
	case "exec":
		h = NewExec(deps.Exec)
	case "file_read":
		h = NewFileRead(deps.Files)
	case "file_write":
		h = NewFileWrite(deps.Files)
	case "process":
		if deps.Process == nil {
			return nil, "", false
		}
		h = NewProcess(deps.Process)
	default:
		return nil, "", false
	}
	return h, descriptions[name], true
}
