/*
Package portkill tracks the ports opened by proxy services and frees ports
held by foreign processes.

Holders are found with lsof and terminated with SIGTERM, escalating to
SIGKILL after one second. The tracker never signals its own process, so a
port held by a live proxy of this process is reported as ErrOwnProcess.
The killer runs at boot, before services marked running are restored, and
on operator request through the API.
*/
package portkill
