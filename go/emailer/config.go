package emailer

import (
	"strings"

	"gopkg.in/ini.v1"

	"go.skia.org/autophone/go/skerr"
)

const (
	defaultServer = "smtp.mozilla.org"
	defaultPort   = 25
)

// FromConfigFile builds an Emailer from a mail settings INI file:
//
//	[report]
//	from = autophone@example.com
//
//	[email]
//	dest = oncall@example.com, dev@example.com
//	server = smtp.example.com
//	port = 25
//	username =
//	password =
//
// An empty path yields a no-op Emailer. A readable file missing the sender
// or the recipients is an error, so a misconfiguration fails at startup
// instead of silently dropping alerts.
func FromConfigFile(path string) (*Emailer, error) {
	if path == "" {
		return New("", nil, "", 0, "", ""), nil
	}
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, skerr.Wrapf(err, "reading %s", path)
	}
	from := cfg.Section("report").Key("from").String()
	if from == "" {
		return nil, skerr.Fmt("%s has no from address in the report section", path)
	}
	sec := cfg.Section("email")
	to := []string{}
	for _, addr := range strings.Split(sec.Key("dest").String(), ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return nil, skerr.Fmt("%s has no dest addresses in the email section", path)
	}
	server := sec.Key("server").MustString(defaultServer)
	port := sec.Key("port").MustInt(defaultPort)
	return New(from, to, server, port, sec.Key("username").String(), sec.Key("password").String()), nil
}
