package scanner

// Stage is the progress of a scanner through its pipeline. It only moves
// forward.
type Stage int

const (
	StageCreated Stage = iota
	StagePingTested
	StageScanned
	StageVulnerabilitiesFound
	StageReportExtracted
)

var stageNames = map[Stage]string{
	StageCreated:              "created",
	StagePingTested:           "ping_tested",
	StageScanned:              "scanned",
	StageVulnerabilitiesFound: "vulnerabilities_found",
	StageReportExtracted:      "report_extracted",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}
