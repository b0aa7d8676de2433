package security

// freeDomains are consumer mailbox providers. Submissions from them are
// legitimate but carry less buying intent than a company domain, so the
// domain check surfaces them as a signal instead of blocking.
var freeDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"yahoo.co.uk":    true,
	"ymail.com":      true,
	"hotmail.com":    true,
	"hotmail.co.uk":  true,
	"outlook.com":    true,
	"live.com":       true,
	"msn.com":        true,
	"aol.com":        true,
	"icloud.com":     true,
	"me.com":         true,
	"mac.com":        true,
	"protonmail.com": true,
	"proton.me":      true,
	"gmx.com":        true,
	"gmx.de":         true,
	"web.de":         true,
	"mail.com":       true,
	"zoho.com":       true,
	"fastmail.com":   true,
	"comcast.net":    true,
	"verizon.net":    true,
	"att.net":        true,
	"sbcglobal.net":  true,
	"bellsouth.net":  true,
	"btinternet.com": true,
	"rogers.com":     true,
	"shaw.ca":        true,
}

// disposableDomains are throwaway-address providers. Kept deliberately
// small; operators extend coverage per form via blocked_domains.
var disposableDomains = map[string]bool{
	"mailinator.com":    true,
	"guerrillamail.com": true,
	"guerrillamail.net": true,
	"sharklasers.com":   true,
	"10minutemail.com":  true,
	"10minutemail.net":  true,
	"temp-mail.org":     true,
	"tempmail.com":      true,
	"tempmailo.com":     true,
	"throwawaymail.com": true,
	"trashmail.com":     true,
	"trashmail.de":      true,
	"yopmail.com":       true,
	"yopmail.fr":        true,
	"getnada.com":       true,
	"dispostable.com":   true,
	"maildrop.cc":       true,
	"mintemail.com":     true,
	"mytemp.email":      true,
	"fakeinbox.com":     true,
	"spamgourmet.com":   true,
	"mailnesia.com":     true,
	"discard.email":     true,
	"emailondeck.com":   true,
	"burnermail.io":     true,
	"tempinbox.com":     true,
	"spam4.me":          true,
	"grr.la":            true,
	"pokemail.net":      true,
	"armyspy.com":       true,
	"cuvox.de":          true,
	"dayrep.com":        true,
	"einrot.com":        true,
	"fleckens.hu":       true,
	"gustr.com":         true,
	"jourrapide.com":    true,
	"rhyta.com":         true,
	"superrito.com":     true,
	"teleworm.us":       true,
}
