package agents

// Stack describes one supported target stack: its identity for the selector
// and the validation command sequence the repair loop runs after coding.
// The set is closed; the selector rejects anything outside it.
type Stack struct {
	ID          string
	Name        string
	Description string

	// ValidationCommands run in order inside the sandbox after files are
	// written: static check first, then build. Any non-zero exit fails the
	// validation pass.
	ValidationCommands []string
}

// DefaultStackID is the fallback when the request is ambiguous.
const DefaultStackID = "nextjs"

var stacks = map[string]Stack{
	"nextjs": {
		ID:          "nextjs",
		Name:        "Next.js",
		Description: "Full-stack React framework with SSR and API routes; the general-purpose default.",
		ValidationCommands: []string{
			"npm install --no-audit --no-fund",
			"npx tsc --noEmit",
			"npm run build",
		},
	},
	"react-vite": {
		ID:          "react-vite",
		Name:        "React + Vite",
		Description: "Client-side React single-page app built with Vite.",
		ValidationCommands: []string{
			"npm install --no-audit --no-fund",
			"npx tsc --noEmit",
			"npm run build",
		},
	},
	"express-api": {
		ID:          "express-api",
		Name:        "Express API",
		Description: "Node.js HTTP API with Express, no frontend.",
		ValidationCommands: []string{
			"npm install --no-audit --no-fund",
			"npx tsc --noEmit",
			"npm run build",
		},
	},
	"static-site": {
		ID:          "static-site",
		Name:        "Static site",
		Description: "Plain HTML/CSS/JS with no build step beyond validation.",
		ValidationCommands: []string{
			"npx htmlhint index.html",
		},
	},
}

// StackByID returns the stack definition for a known identifier.
func StackByID(id string) (Stack, bool) {
	s, ok := stacks[id]
	return s, ok
}

// StackIDs lists the closed set of supported identifiers.
func StackIDs() []string {
	out := make([]string, 0, len(stacks))
	for id := range stacks {
		out = append(out, id)
	}
	return out
}
