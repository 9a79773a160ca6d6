package overlay

import "text/template"

// AnswersParams parameterize the unattended-setup answers file.
type AnswersParams struct {
	Hostname  string
	Domain    string
	DNSServer string
	Timezone  string
}

// answersTmpl is consumed by setup-alpine -f. DISKOPTS=none keeps the
// installation memory-resident; LBUOPTS=none means no persistent backup
// target.
var answersTmpl = template.Must(template.New("answers").Parse(
	`KEYMAPOPTS="us us"
HOSTNAMEOPTS="-n {{ .Hostname }}"
INTERFACESOPTS="auto lo
iface lo inet loopback

auto eth0
iface eth0 inet dhcp
    hostname {{ .Hostname }}
"
DNSOPTS="-d {{ .Domain }} {{ .DNSServer }}"
TIMEZONEOPTS="-z {{ .Timezone }}"
PROXYOPTS="none"
APKREPOSOPTS="-1"
SSHDOPTS="-c openssh"
NTPOPTS="-c chrony"
DISKOPTS="none"
LBUOPTS="none"
APKCACHEOPTS="none"
`))

// autoSetupService runs the unattended setup before networking comes up and
// reports its exit status through OpenRC.
const autoSetupService = `#!/sbin/openrc-run

description="Unattended Alpine setup from /etc/answers"

depend() {
	before networking
}

start() {
	ebegin "Running setup-alpine with /etc/answers"
	setup-alpine -e -f /etc/answers
	eend $?
}
`

// sshdConfig permits password-based root login so a freshly netbooted board
// is reachable without provisioning keys first.
const sshdConfig = `PermitRootLogin yes
PasswordAuthentication yes
PermitEmptyPasswords yes
`

// fstab is intentionally empty: a diskless system has no persistent mounts.
const fstab = `# diskless boot: no persistent mounts
`

// lbuConf leaves LBU_MEDIA unset so lbu never writes to persistent media.
const lbuConf = `# no persistent backup media
# LBU_MEDIA=
`
