package preview

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

type packageManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Detect classifies a checked-out workspace by its build files. A manifest
// that names next wins over one that also names react, since Next.js apps
// depend on both.
func Detect(dir string) ProjectType {
	projectType, _ := detectProject(dir)
	return projectType
}

// detectProject also returns a non-fatal note worth logging, such as a
// package.json that would not parse.
func detectProject(dir string) (ProjectType, string) {
	manifest, found, err := readManifest(filepath.Join(dir, "package.json"))
	if found {
		if err != nil {
			// Still a node project; npm install will hit the same breakage.
			return ProjectNode, "unparseable package.json: " + err.Error()
		}
		switch {
		case manifest.depends("next"):
			return ProjectNextJS, ""
		case manifest.depends("react"):
			return ProjectReact, ""
		case manifest.depends("vue"):
			return ProjectVue, ""
		default:
			return ProjectNode, ""
		}
	}
	if fileExists(filepath.Join(dir, "requirements.txt")) {
		return ProjectPython, ""
	}
	return ProjectStatic, ""
}

func (m packageManifest) depends(name string) bool {
	if _, ok := m.Dependencies[name]; ok {
		return true
	}
	_, ok := m.DevDependencies[name]
	return ok
}

func readManifest(path string) (packageManifest, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return packageManifest{}, false, nil
	}
	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return packageManifest{}, true, err
	}
	return manifest, true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// installCommand returns the dependency install step for a project type, or
// nil when none applies.
func installCommand(projectType ProjectType) []string {
	switch projectType {
	case ProjectReact, ProjectNextJS, ProjectVue, ProjectNode:
		return []string{"npm", "install"}
	case ProjectPython:
		return []string{"pip", "install", "-r", "requirements.txt"}
	default:
		return nil
	}
}

// startCommand returns the dev-server argv and extra environment for a
// project type. The allocated port rides in the PORT variable for every
// type, plus the framework-specific flag or variable where one exists.
func startCommand(projectType ProjectType, dir string, port int) (argv []string, env []string) {
	portStr := strconv.Itoa(port)
	env = []string{"PORT=" + portStr}

	switch projectType {
	case ProjectReact:
		return []string{"npm", "start"}, append(env, "BROWSER=none")
	case ProjectNextJS:
		return []string{"npm", "run", "dev", "--", "-p", portStr}, env
	case ProjectVue:
		return []string{"npm", "run", "serve", "--", "--port", portStr}, env
	case ProjectNode:
		return []string{"npm", "start"}, env
	case ProjectPython:
		switch {
		case fileExists(filepath.Join(dir, "manage.py")):
			return []string{"python3", "manage.py", "runserver", "0.0.0.0:" + portStr}, env
		case fileExists(filepath.Join(dir, "app.py")):
			return []string{"python3", "app.py"}, append(env, "FLASK_RUN_PORT="+portStr)
		case fileExists(filepath.Join(dir, "main.py")):
			return []string{"python3", "main.py"}, env
		default:
			return []string{"python3", "-m", "http.server", portStr}, env
		}
	default:
		return []string{"python3", "-m", "http.server", portStr}, env
	}
}
