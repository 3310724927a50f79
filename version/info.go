package version

import "fmt"

type Version struct {
	Major, Minor, Patch int
}

func (v *Version) String() string {
	return fmt.Sprintf("%02v.%02v.%02v", v.Major, v.Minor, v.Patch)
}

// Info identifies the client to the server; it is sent as the user agent.
type Info struct {
	Name       string
	Version    Version
	Vendor     string
	SupportURL string
}

// UserAgent returns the user agent string of the client.
func (i Info) UserAgent() string {
	return fmt.Sprintf("%v/%v", i.Name, i.Version.String())
}
