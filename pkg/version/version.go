package version

import (
	"fmt"
	"io"
	"time"
)

const (
	MajorVersion int = 0
	MinorVersion int = 1
	PointVersion int = 0
)

var BuildDate time.Time = time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

func String() string {
	return fmt.Sprintf("%d.%d.%d", MajorVersion, MinorVersion, PointVersion)
}

func PrintVersion(wtr io.Writer) {
	fmt.Fprintf(wtr, "Version:\t%s\n", String())
	fmt.Fprintf(wtr, "BuildDate:\t%s\n", BuildDate.Format("2006-01-02 15:04:05"))
}
