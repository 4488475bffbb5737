package diagnostics

import "os/exec"

var lookPath = exec.LookPath

type BinaryStatus struct {
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

type DependencyReport struct {
	AtvScript          BinaryStatus `json:"atvscript"`
	AtvRemote          BinaryStatus `json:"atvremote"`
	AllRequiredPresent bool         `json:"all_required_present"`
}

func DetectDependencies() DependencyReport {
	atvscript := detectBinary("atvscript")
	atvremote := detectBinary("atvremote")

	return DependencyReport{
		AtvScript:          atvscript,
		AtvRemote:          atvremote,
		AllRequiredPresent: atvscript.Found && atvremote.Found,
	}
}

func detectBinary(name string) BinaryStatus {
	path, err := lookPath(name)
	if err != nil {
		return BinaryStatus{Found: false}
	}

	return BinaryStatus{
		Found: true,
		Path:  path,
	}
}
