package provider

import (
	"sort"
	"strings"
)

// Profile holds the default transport settings of a mail provider.
//
// IMAP settings are part of the table because providers publish them next to
// SMTP and POP3, but they never survive Resolve.
type Profile struct {
	SMTPHost string
	SMTPPort int
	SMTPSSL  bool
	SMTPTLS  bool

	POPHost string
	POPPort int
	POPSSL  bool
	POPTLS  bool

	IMAPHost string
	IMAPPort int
	IMAPSSL  bool
}

// Fields returns the profile in keyed form. Unset hosts are omitted so that a
// provider without POP3 does not enable it.
func (p Profile) Fields() Fields {
	f := Fields{}
	if p.SMTPHost != "" {
		f[KeySMTPHost] = p.SMTPHost
		f[KeySMTPPort] = p.SMTPPort
		f[KeySMTPSSL] = p.SMTPSSL
		f[KeySMTPTLS] = p.SMTPTLS
	}
	if p.POPHost != "" {
		f[KeyPOPHost] = p.POPHost
		f[KeyPOPPort] = p.POPPort
		f[KeyPOPSSL] = p.POPSSL
		f[KeyPOPTLS] = p.POPTLS
	}
	if p.IMAPHost != "" {
		f["imap_host"] = p.IMAPHost
		f["imap_port"] = p.IMAPPort
		f["imap_ssl"] = p.IMAPSSL
	}
	return f
}

// registry maps a mail domain to its provider profile.
var registry = map[string]Profile{
	"163.com":        netease("163.com"),
	"126.com":        netease("126.com"),
	"yeah.net":       netease("yeah.net"),
	"qq.com":         tencent,
	"foxmail.com":    tencent,
	"sina.com":       {SMTPHost: "smtp.sina.com", SMTPPort: 465, SMTPSSL: true, POPHost: "pop.sina.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.sina.com", IMAPPort: 993, IMAPSSL: true},
	"sina.cn":        {SMTPHost: "smtp.sina.cn", SMTPPort: 465, SMTPSSL: true, POPHost: "pop.sina.cn", POPPort: 995, POPSSL: true, IMAPHost: "imap.sina.cn", IMAPPort: 993, IMAPSSL: true},
	"sohu.com":       {SMTPHost: "smtp.sohu.com", SMTPPort: 465, SMTPSSL: true, POPHost: "pop3.sohu.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.sohu.com", IMAPPort: 993, IMAPSSL: true},
	"aliyun.com":     {SMTPHost: "smtp.aliyun.com", SMTPPort: 465, SMTPSSL: true, POPHost: "pop3.aliyun.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.aliyun.com", IMAPPort: 993, IMAPSSL: true},
	"139.com":        {SMTPHost: "smtp.139.com", SMTPPort: 465, SMTPSSL: true, POPHost: "pop.139.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.139.com", IMAPPort: 993, IMAPSSL: true},
	"189.cn":         {SMTPHost: "smtp.189.cn", SMTPPort: 465, SMTPSSL: true, POPHost: "pop.189.cn", POPPort: 995, POPSSL: true, IMAPHost: "imap.189.cn", IMAPPort: 993, IMAPSSL: true},
	"gmail.com":      google,
	"googlemail.com": google,
	"outlook.com":    microsoft,
	"hotmail.com":    microsoft,
	"live.com":       microsoft,
	"yahoo.com":      {SMTPHost: "smtp.mail.yahoo.com", SMTPPort: 465, SMTPSSL: true, POPHost: "pop.mail.yahoo.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.mail.yahoo.com", IMAPPort: 993, IMAPSSL: true},
	"icloud.com":     apple,
	"me.com":         apple,
	"zoho.com":       {SMTPHost: "smtp.zoho.com", SMTPPort: 465, SMTPSSL: true, POPHost: "pop.zoho.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.zoho.com", IMAPPort: 993, IMAPSSL: true},
	"yandex.com":     yandex,
	"yandex.ru":      yandex,
	"gmx.com":        {SMTPHost: "mail.gmx.com", SMTPPort: 587, SMTPTLS: true, POPHost: "pop.gmx.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.gmx.com", IMAPPort: 993, IMAPSSL: true},
	"mail.ru":        {SMTPHost: "smtp.mail.ru", SMTPPort: 465, SMTPSSL: true, POPHost: "pop.mail.ru", POPPort: 995, POPSSL: true, IMAPHost: "imap.mail.ru", IMAPPort: 993, IMAPSSL: true},
}

var (
	tencent   = Profile{SMTPHost: "smtp.qq.com", SMTPPort: 465, SMTPSSL: true, POPHost: "pop.qq.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.qq.com", IMAPPort: 993, IMAPSSL: true}
	google    = Profile{SMTPHost: "smtp.gmail.com", SMTPPort: 587, SMTPTLS: true, POPHost: "pop.gmail.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.gmail.com", IMAPPort: 993, IMAPSSL: true}
	microsoft = Profile{SMTPHost: "smtp.office365.com", SMTPPort: 587, SMTPTLS: true, POPHost: "outlook.office365.com", POPPort: 995, POPSSL: true, IMAPHost: "outlook.office365.com", IMAPPort: 993, IMAPSSL: true}
	yandex    = Profile{SMTPHost: "smtp.yandex.com", SMTPPort: 465, SMTPSSL: true, POPHost: "pop.yandex.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.yandex.com", IMAPPort: 993, IMAPSSL: true}

	// iCloud offers no POP3 access.
	apple = Profile{SMTPHost: "smtp.mail.me.com", SMTPPort: 587, SMTPTLS: true, IMAPHost: "imap.mail.me.com", IMAPPort: 993, IMAPSSL: true}
)

func netease(domain string) Profile {
	return Profile{
		SMTPHost: "smtp." + domain, SMTPPort: 465, SMTPSSL: true,
		POPHost: "pop3." + domain, POPPort: 995, POPSSL: true,
		IMAPHost: "imap." + domain, IMAPPort: 993, IMAPSSL: true,
	}
}

// enterprise holds hosted-domain profiles. A company domain says nothing about
// who hosts it, so these are selected by name through a Source.
var enterprise = map[string]Profile{
	"qq":        {SMTPHost: "smtp.exmail.qq.com", SMTPPort: 465, SMTPSSL: true, POPHost: "pop.exmail.qq.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.exmail.qq.com", IMAPPort: 993, IMAPSSL: true},
	"163":       {SMTPHost: "smtp.qiye.163.com", SMTPPort: 994, SMTPSSL: true, POPHost: "pop.qiye.163.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.qiye.163.com", IMAPPort: 993, IMAPSSL: true},
	"ali":       {SMTPHost: "smtp.mxhichina.com", SMTPPort: 465, SMTPSSL: true, POPHost: "pop3.mxhichina.com", POPPort: 995, POPSSL: true, IMAPHost: "imap.mxhichina.com", IMAPPort: 993, IMAPSSL: true},
	"google":    google,
	"office365": microsoft,
}

// Lookup returns the profile registered for domain.
func Lookup(domain string) (Profile, bool) {
	p, ok := registry[strings.ToLower(strings.TrimSpace(domain))]
	return p, ok
}

// Domains returns every registered domain in sorted order.
func Domains() []string {
	out := make([]string, 0, len(registry))
	for d := range registry {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// EnterpriseNames returns the names accepted by Enterprise.
func EnterpriseNames() []string {
	out := make([]string, 0, len(enterprise))
	for n := range enterprise {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
