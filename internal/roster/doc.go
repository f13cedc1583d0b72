// Package roster reads the participant list a run provisions containers for.
//
// The roster is a CSV file with a header row containing at least:
//
//	First_Name,Last_Name,E_Mail
//
// Column order does not matter, other columns are ignored and a leading
// UTF-8 byte order mark (as written by spreadsheet exports) is tolerated.
// Participants keep their file order; Participant.Index is the position
// used for port assignment.
//
// Derived names:
//
//	p := roster.Participant{FirstName: "Mary Ann", LastName: "van Dijk"}
//	p.Username()      // "mary_ann"
//	p.ContainerName() // "Nest-Ma-van-Dijk"
package roster
