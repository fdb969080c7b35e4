package mail

import "fmt"

// VerificationEmail returns subject and body for an email confirmation code.
func VerificationEmail(code string) (string, string) {
	return "Verify your email address",
		fmt.Sprintf("Hello,\n\nUse this code to confirm your email address: %s\n\nIf you did not create an account you can ignore this message.\n", code)
}

// ResetEmail returns subject and body for a password reset code.
func ResetEmail(code string) (string, string) {
	return "Password reset code",
		fmt.Sprintf("Hello,\n\nWe received a request to change the password of your account. Use this verification code to continue: %s\n\nIf you did not ask for it you can ignore this message.\n", code)
}
