package vulns

var defaultSignatures = []Signature{
	{
		Service:     "nginx",
		CVE:         "CVE-2007-6750",
		Description: "Slowloris DOS attack",
		Link:        "https://cve.mitre.org/cgi-bin/cvename.cgi?name=CVE-2007-6750",
	},
	{
		Service:     "vsftpd",
		Versions:    []string{"2.3.4"},
		CVE:         "CVE-2011-2523",
		Description: "Backdoor command execution",
		Link:        "https://cve.mitre.org/cgi-bin/cvename.cgi?name=CVE-2011-2523",
	},
	{
		Service:     "Apache httpd",
		Versions:    []string{"2.4.49"},
		CVE:         "CVE-2021-41773",
		Description: "Path traversal and file disclosure",
		Link:        "https://cve.mitre.org/cgi-bin/cvename.cgi?name=CVE-2021-41773",
	},
	{
		Service:     "OpenSSH",
		Versions:    []string{"7.2"},
		CVE:         "CVE-2016-6210",
		Description: "User enumeration via timing",
		Link:        "https://cve.mitre.org/cgi-bin/cvename.cgi?name=CVE-2016-6210",
	},
}

// Default returns a matcher over the built-in signature table.
func Default() *Matcher {
	return NewMatcher(defaultSignatures)
}
