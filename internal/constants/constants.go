package constants

const USER_AGENT = "contentloader/0.1.0 (+https://github.com/Amund211/contentloader)"
