package common

// PackageName is used as the metrics namespace and default log service tag.
const PackageName = "aura"

// Version is set at build time with -ldflags "-X github.com/ruteri/aura/common.Version=...".
var Version = "dev"
