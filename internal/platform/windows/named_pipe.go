package windows

// PipeSecuritySDDL returns an SDDL string granting access to:
//   - SY: Local System
//   - BA: Built-in Administrators
//   - CO: Creator Owner
func PipeSecuritySDDL() string {
	return "D:(A;;GA;;;SY)(A;;GA;;;BA)(A;;GA;;;CO)"
}
